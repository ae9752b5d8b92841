// Package engine turns decoded batches into committed model mutations.
// One worker goroutine owns the whole pipeline, so jobs execute in
// strict submission order and the substrate only ever sees one writer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/compile"
	"github.com/openarch/mason/internal/config"
	"github.com/openarch/mason/internal/model"
	"github.com/openarch/mason/internal/plan"
	"github.com/openarch/mason/internal/validate"
)

// Journal persists terminal job records and idempotency bindings so
// replays survive a restart. The engine treats journal failures as
// non-fatal: the job result stands, persistence is best effort.
type Journal interface {
	RecordJob(v JobView) error
	LoadJob(id string) (JobView, bool, error)
	RecordIdempotency(key, fingerprint, jobID string, expiresAt time.Time) error
	LookupIdempotency(key string, now time.Time) (fingerprint, jobID string, ok bool, err error)
}

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("engine is shutting down")

// SubmitReceipt acknowledges a submission. The digest of a fresh
// submission counts every operation as pending; a replayed receipt
// carries the digest of the job that already served the key.
type SubmitReceipt struct {
	JobID    string       `json:"jobId"`
	Replayed bool         `json:"replayed"`
	Digest   batch.Digest `json:"digest"`
}

// Engine is the batch mutation engine facade.
type Engine struct {
	cfg       config.Config
	substrate model.Substrate
	journal   Journal

	queue *jobQueue
	jobs  *jobIndex
	idem  *idempotencyCache

	seq    atomic.Uint64
	now    func() time.Time
	newID  func() string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopping bool
}

// Option tweaks engine construction, mostly for tests.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New builds an engine over the given substrate. journal may be nil,
// in which case replay state is memory-only.
func New(cfg config.Config, substrate model.Substrate, journal Journal, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		substrate: substrate,
		journal:   journal,
		queue:     newJobQueue(),
		jobs:      newJobIndex(cfg.JobHistoryLimit),
		idem:      newIdempotencyCache(),
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.work(ctx)
	slog.Info("engine started",
		"chunkCeiling", e.cfg.ChunkCeiling,
		"granularity", e.cfg.Granularity,
		"jobTimeout", e.cfg.JobTimeout,
	)
}

// Shutdown stops intake immediately and waits up to timeout for the
// in-flight job, then cancels it.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	e.mu.Unlock()

	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		e.cancel()
		<-done
		return fmt.Errorf("shutdown timed out after %s, in-flight job cancelled", timeout)
	}
}

// SubmitRaw decodes a JSON batch envelope and submits it.
func (e *Engine) SubmitRaw(data []byte) (SubmitReceipt, error) {
	if err := validate.VetJSON(data); err != nil {
		return SubmitReceipt{}, err
	}
	b, err := batch.Decode(data)
	if err != nil {
		return SubmitReceipt{}, err
	}
	return e.Submit(b)
}

// Submit enqueues a batch. When the batch carries an idempotency key
// that already served an identical batch within the TTL, the original
// job is returned instead of running anything again.
func (e *Engine) Submit(b *batch.Batch) (SubmitReceipt, error) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return SubmitReceipt{}, ErrShuttingDown
	}
	e.mu.Unlock()

	now := e.now()
	id := e.newID()
	fingerprint := ""
	if b.IdempotencyKey != "" {
		var err error
		fingerprint, err = b.Fingerprint()
		if err != nil {
			return SubmitReceipt{}, fmt.Errorf("fingerprint batch: %w", err)
		}
		boundID, replay, ierr := e.idem.Reserve(b.IdempotencyKey, fingerprint, id, now)
		if ierr != nil {
			return SubmitReceipt{}, ierr
		}
		if replay {
			return e.replayReceipt(b.IdempotencyKey, boundID), nil
		}
		// Records persisted before a restart live only in the journal.
		if e.journal != nil {
			storedFP, storedJob, ok, err := e.journal.LookupIdempotency(b.IdempotencyKey, now)
			if err != nil {
				slog.Warn("idempotency journal lookup failed", "key", b.IdempotencyKey, "error", err)
			} else if ok {
				e.idem.Release(b.IdempotencyKey, id)
				if storedFP != fingerprint {
					return SubmitReceipt{}, conflictError()
				}
				return e.replayReceipt(b.IdempotencyKey, storedJob), nil
			}
		}
	}

	job := newJob(id, e.seq.Add(1), b, batch.NewTable(), now)
	job.Fingerprint = fingerprint
	e.jobs.add(job)

	if !e.queue.Enqueue(job) {
		if b.IdempotencyKey != "" {
			e.idem.Release(b.IdempotencyKey, id)
		}
		return SubmitReceipt{}, ErrShuttingDown
	}
	slog.Info("batch submitted", "job", job.ID, "operations", len(b.Changes), "queueDepth", e.queue.Len())
	return SubmitReceipt{JobID: job.ID, Digest: batch.BuildDigest(len(b.Changes), nil)}, nil
}

func (e *Engine) replayReceipt(key, jobID string) SubmitReceipt {
	slog.Info("idempotent replay", "key", key, "job", jobID)
	receipt := SubmitReceipt{JobID: jobID, Replayed: true}
	if v, ok := e.PollStatus(jobID, PollOptions{Summary: true}); ok {
		receipt.Digest = v.Digest
	}
	return receipt
}

// PollOptions controls how much of a job view a poll returns. Summary
// drops results, mappings, and the timeline. Cursor and PageSize page
// through results; PageSize 0 means all remaining.
type PollOptions struct {
	Summary  bool
	Cursor   int
	PageSize int
}

// PollStatus returns the job's current view. Jobs evicted from memory
// are served from the journal.
func (e *Engine) PollStatus(jobID string, opts PollOptions) (JobView, bool) {
	v, ok := e.lookupView(jobID, opts.Summary)
	if !ok {
		return JobView{}, false
	}
	if !opts.Summary {
		pageResults(&v, opts.Cursor, opts.PageSize)
	}
	return v, true
}

func (e *Engine) lookupView(jobID string, summary bool) (JobView, bool) {
	if job, ok := e.jobs.get(jobID); ok {
		return job.View(summary), true
	}
	if e.journal != nil {
		if v, ok, err := e.journal.LoadJob(jobID); err == nil && ok {
			if summary {
				v.Results = nil
				v.Timeline = nil
				v.TempIDMap = nil
				v.TempIDMappings = nil
			}
			return v, true
		}
	}
	return JobView{}, false
}

// pageResults windows v.Results to [cursor, cursor+pageSize) and sets
// NextCursor when more results remain past the window.
func pageResults(v *JobView, cursor, pageSize int) {
	if cursor <= 0 && pageSize <= 0 {
		return
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(v.Results) {
		v.Results = nil
		return
	}
	end := len(v.Results)
	if pageSize > 0 && cursor+pageSize < end {
		end = cursor + pageSize
		v.NextCursor = end
	}
	v.Results = v.Results[cursor:end]
}

// Wait blocks until the job reaches a terminal state.
func (e *Engine) Wait(ctx context.Context, jobID string) (JobView, error) {
	job, ok := e.jobs.get(jobID)
	if !ok {
		if v, found := e.PollStatus(jobID, PollOptions{}); found {
			return v, nil
		}
		return JobView{}, fmt.Errorf("unknown job %s", jobID)
	}
	select {
	case <-job.Done():
		return job.View(false), nil
	case <-ctx.Done():
		return job.View(false), ctx.Err()
	}
}

// ListJobs pages through submitted jobs in submission order. A
// non-empty state keeps only jobs currently in that state.
func (e *Engine) ListJobs(cursor string, limit int, state JobState) ([]JobView, string) {
	return e.jobs.list(cursor, limit, state)
}

// Validate checks a batch against current committed state without
// running it.
func (e *Engine) Validate(b *batch.Batch) error {
	_, err := validate.New(e.substrate).Validate(b)
	return err
}

func (e *Engine) work(ctx context.Context) {
	defer e.wg.Done()
	for {
		job, ok := e.queue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case _, open := <-e.queue.Wait():
				if job, ok = e.queue.TryDequeue(); !ok {
					if !open {
						return
					}
					continue
				}
			}
		}
		e.runJob(ctx, job)
	}
}

// runJob owns the whole pipeline for one job: validate against current
// committed state, compile, plan, execute. Every failure path still
// lands the job in a terminal state.
func (e *Engine) runJob(ctx context.Context, job *Job) {
	jctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	job.markRunning(e.now())
	start := e.now()

	table, err := validate.New(e.substrate).Validate(job.Batch)
	if err != nil {
		e.failJob(job, err)
		return
	}
	*job.Table = *table

	compiled, err := compile.New(e.substrate).CompileBatch(job.Batch, job.Table)
	if err != nil {
		e.failJob(job, err)
		return
	}

	granularity := job.Batch.Granularity
	if granularity == "" {
		granularity = e.cfg.Granularity
	}
	exec := &executor{
		substrate:            e.substrate,
		planner:              plan.New(e.cfg.ChunkCeiling),
		granularity:          granularity,
		duplicateErrorAborts: e.cfg.DuplicateErrorAborts,
		autoSwap:             e.cfg.AutoSwapDirection,
		autoResolve:          e.cfg.AutoResolveVisuals,
		now:                  e.now,
	}
	outcome := exec.run(jctx, job, compiled)
	job.finish(e.now(), outcome.state, outcome.results, outcome.err)
	e.persist(job)
	e.settleIdempotency(job)

	slog.Info("job finished",
		"job", job.ID,
		"state", outcome.state,
		"operations", len(job.Batch.Changes),
		"elapsed", e.now().Sub(start),
	)
}

// failJob lands a job that never reached execution in a terminal
// failed state with the validation or compilation error attached.
func (e *Engine) failJob(job *Job, err error) {
	var detail *batch.ErrorDetail
	var verr *validate.Error
	var eerr *Error
	switch {
	case errors.As(err, &verr):
		d := verr.Detail()
		detail = &d
	case errors.As(err, &eerr):
		detail = eerr.Detail()
	default:
		detail = &batch.ErrorDetail{Code: validate.CodeValidationFailed, Message: err.Error()}
	}
	job.finish(e.now(), JobFailed, nil, detail)
	e.persist(job)
	e.settleIdempotency(job)
	slog.Warn("job refused", "job", job.ID, "code", detail.Code, "error", detail.Message)
}

// settleIdempotency resolves the in-flight key reservation once a job
// reaches a terminal state. A failed job committed nothing, so its key
// is released for a clean retry. Succeeded and partial jobs committed
// at least one chunk and therefore consume the key for the full TTL.
func (e *Engine) settleIdempotency(job *Job) {
	if job.IdempotencyKey == "" {
		return
	}
	if job.View(true).State == JobFailed {
		e.idem.Release(job.IdempotencyKey, job.ID)
		return
	}
	expires := e.now().Add(e.cfg.IdempotencyTTL)
	e.idem.Commit(job.IdempotencyKey, job.ID, expires)
	if e.journal != nil {
		if err := e.journal.RecordIdempotency(job.IdempotencyKey, job.Fingerprint, job.ID, expires); err != nil {
			slog.Warn("idempotency record not persisted", "job", job.ID, "error", err)
		}
	}
}

func (e *Engine) persist(job *Job) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordJob(job.View(false)); err != nil {
		slog.Warn("job record not persisted", "job", job.ID, "error", err)
	}
}
