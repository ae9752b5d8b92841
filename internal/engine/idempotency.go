package engine

import (
	"sync"
	"time"
)

// idempotencyRecord binds a client key to the batch fingerprint it was
// first used with and the job that served it.
type idempotencyRecord struct {
	Fingerprint string
	JobID       string
	ExpiresAt   time.Time
}

// idempotencyCache is the in-memory replay window. A key is reserved
// while its job is in flight so concurrent identical submissions
// coalesce, but the durable record with a TTL is only written once the
// job reaches a terminal state that actually executed; a job that
// failed with zero side effects releases the key for a retry. Expiry is
// checked lazily on access, there is no background sweeper. The journal
// persists the committed records so replays survive restarts.
type idempotencyCache struct {
	mu       sync.Mutex
	records  map[string]idempotencyRecord
	inflight map[string]idempotencyRecord
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		records:  make(map[string]idempotencyRecord),
		inflight: make(map[string]idempotencyRecord),
	}
}

func conflictError() *Error {
	return &Error{
		Code:    CodeIdempotencyConflict,
		Message: "idempotency key was already used with a different batch",
		OpIndex: -1,
		Hint:    "use a fresh key, or resubmit the original batch unchanged",
	}
}

// Lookup resolves a key. A live record with a matching fingerprint is a
// replay of the recorded job. A live record with a different
// fingerprint means the client reused the key for different content,
// which is refused rather than guessed at. An absent or expired record
// means the batch runs fresh.
func (c *idempotencyCache) Lookup(key, fingerprint string, now time.Time) (jobID string, replay bool, err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
	return c.matchLocked(key, fingerprint)
}

func (c *idempotencyCache) matchLocked(key, fingerprint string) (string, bool, *Error) {
	rec, ok := c.records[key]
	if !ok {
		rec, ok = c.inflight[key]
	}
	if !ok {
		return "", false, nil
	}
	if rec.Fingerprint != fingerprint {
		return "", false, conflictError()
	}
	return rec.JobID, true, nil
}

// Reserve binds a key to a job about to be enqueued. When the key is
// already held, the existing binding is returned instead: a replay for
// a matching fingerprint, a conflict otherwise.
func (c *idempotencyCache) Reserve(key, fingerprint, jobID string, now time.Time) (string, bool, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)

	if boundID, replay, err := c.matchLocked(key, fingerprint); err != nil || replay {
		return boundID, replay, err
	}
	c.inflight[key] = idempotencyRecord{Fingerprint: fingerprint, JobID: jobID}
	return jobID, false, nil
}

// Commit promotes a reservation to a durable record once its job
// executed. First writer wins; a concurrent replay of the same key
// keeps the original job binding.
func (c *idempotencyCache) Commit(key, jobID string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.inflight[key]
	if !ok || rec.JobID != jobID {
		return
	}
	delete(c.inflight, key)
	if _, exists := c.records[key]; exists {
		return
	}
	rec.ExpiresAt = expiresAt
	c.records[key] = rec
}

// Release frees a reservation whose job failed without executing
// anything, so an identical retry runs fresh.
func (c *idempotencyCache) Release(key, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.inflight[key]; ok && rec.JobID == jobID {
		delete(c.inflight, key)
	}
}

// sweepLocked drops every expired record. Expiry is strict: a record
// whose ExpiresAt equals now is still live.
func (c *idempotencyCache) sweepLocked(now time.Time) {
	for k, rec := range c.records {
		if rec.ExpiresAt.Before(now) {
			delete(c.records, k)
		}
	}
}
