// Package journal persists terminal job records and idempotency
// bindings in SQLite, so idempotent replays survive a process restart.
// WAL mode with a single writer connection; the engine is the only
// writer anyway.
package journal

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openarch/mason/internal/canon"
	"github.com/openarch/mason/internal/engine"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// Journal is the SQLite-backed persistence layer. Implements
// engine.Journal.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database. An empty path keeps the
// journal in memory, which is what tests and journal-less deployments
// use.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordJob persists a terminal job view. Jobs are written exactly once;
// a replayed write is silently ignored.
func (j *Journal) RecordJob(v engine.JobView) error {
	payload, err := marshalCanonicalJSON(v)
	if err != nil {
		return fmt.Errorf("record job %s: %w", v.ID, err)
	}
	finished := ""
	if v.FinishedAt != nil {
		finished = v.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = j.db.Exec(`
		INSERT INTO jobs (id, state, submitted_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		v.ID,
		string(v.State),
		v.SubmittedAt.UTC().Format(time.RFC3339Nano),
		finished,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", v.ID, err)
	}
	return nil
}

// LoadJob reads a persisted job view back.
func (j *Journal) LoadJob(id string) (engine.JobView, bool, error) {
	var payload string
	err := j.db.QueryRow(`SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return engine.JobView{}, false, nil
	}
	if err != nil {
		return engine.JobView{}, false, fmt.Errorf("load job %s: %w", id, err)
	}
	var v engine.JobView
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return engine.JobView{}, false, fmt.Errorf("load job %s: %w", id, err)
	}
	return v, true, nil
}

// ListJobs pages through persisted jobs in ID order. Job IDs are
// UUIDv7, so ID order is submission order. cursor is the last ID of
// the previous page; empty starts from the beginning. A non-empty
// state keeps only jobs in that terminal state.
func (j *Journal) ListJobs(cursor string, limit int, state string) ([]engine.JobView, string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT payload FROM jobs
		WHERE id > ? AND (? = '' OR state = ?)
		ORDER BY id LIMIT ?
	`, cursor, state, state, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []engine.JobView
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, "", fmt.Errorf("list jobs: %w", err)
		}
		var v engine.JobView
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, "", fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// RecordIdempotency binds a key to a fingerprint and job. First writer
// wins; rebinding is silently ignored.
func (j *Journal) RecordIdempotency(key, fingerprint, jobID string, expiresAt time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO idempotency (key, fingerprint, job_id, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, fingerprint, jobID, expiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record idempotency %q: %w", key, err)
	}
	return nil
}

// LookupIdempotency resolves a live key. Expired records are swept
// lazily here; there is no background reaper. Expiry is strict: a
// record whose expires_at equals now still serves.
func (j *Journal) LookupIdempotency(key string, now time.Time) (fingerprint, jobID string, ok bool, err error) {
	if _, err := j.db.Exec(`DELETE FROM idempotency WHERE expires_at < ?`, now.UnixNano()); err != nil {
		return "", "", false, fmt.Errorf("sweep idempotency: %w", err)
	}
	err = j.db.QueryRow(`
		SELECT fingerprint, job_id FROM idempotency WHERE key = ?
	`, key).Scan(&fingerprint, &jobID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("lookup idempotency %q: %w", key, err)
	}
	return fingerprint, jobID, true, nil
}

// marshalCanonicalJSON serializes a struct as canonical JSON by
// round-tripping through the generic JSON shape canon understands.
// Canonical bytes keep stored payloads diffable across versions.
func marshalCanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return canon.MarshalCanonical(generic)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if needed and runs migrations. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
