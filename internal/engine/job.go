package engine

import (
	"sync"
	"time"

	"github.com/openarch/mason/internal/batch"
)

// JobState is the lifecycle state of a submitted batch.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"

	// JobPartial means the batch finished but some operations were
	// skipped or failed; committed chunks stay committed.
	JobPartial JobState = "partial"

	JobFailed JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobPartial || s == JobFailed
}

// TimelineEvent is one entry in a job's execution timeline.
type TimelineEvent struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// Job tracks one submitted batch through the queue and executor. All
// mutation happens on the engine worker; readers snapshot through View.
type Job struct {
	ID             string
	Seq            uint64
	IdempotencyKey string
	Fingerprint    string

	Batch *batch.Batch
	Table *batch.Table

	mu          sync.Mutex
	state       JobState
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	timeline    []TimelineEvent
	results     []batch.OperationResult
	digest      batch.Digest
	errDetail   *batch.ErrorDetail

	done chan struct{}
}

func newJob(id string, seq uint64, b *batch.Batch, table *batch.Table, now time.Time) *Job {
	j := &Job{
		ID:             id,
		Seq:            seq,
		IdempotencyKey: b.IdempotencyKey,
		Batch:          b,
		Table:          table,
		state:          JobQueued,
		submittedAt:    now,
		done:           make(chan struct{}),
	}
	j.timeline = append(j.timeline, TimelineEvent{At: now, Event: "queued"})
	return j
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) markRunning(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JobRunning
	j.startedAt = now
	j.timeline = append(j.timeline, TimelineEvent{At: now, Event: "running"})
}

func (j *Job) addEvent(now time.Time, event, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.timeline = append(j.timeline, TimelineEvent{At: now, Event: event, Detail: detail})
}

// finish moves the job to a terminal state with its results. Idempotent
// on the done channel so a timeout and a late executor cannot both
// close it.
func (j *Job) finish(now time.Time, state JobState, results []batch.OperationResult, errDetail *batch.ErrorDetail) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = state
	j.finishedAt = now
	j.results = results
	j.digest = batch.BuildDigest(len(j.Batch.Changes), results)
	j.errDetail = errDetail
	detail := ""
	if errDetail != nil {
		detail = errDetail.Code
	}
	j.timeline = append(j.timeline, TimelineEvent{At: now, Event: string(state), Detail: detail})
	close(j.done)
}

// JobView is the externally visible snapshot of a job.
type JobView struct {
	ID             string                  `json:"id"`
	State          JobState                `json:"state"`
	SubmittedAt    time.Time               `json:"submittedAt"`
	StartedAt      *time.Time              `json:"startedAt,omitempty"`
	FinishedAt     *time.Time              `json:"finishedAt,omitempty"`
	Digest         batch.Digest            `json:"digest"`
	DurationMs     int64                   `json:"durationMs,omitempty"`
	Results        []batch.OperationResult `json:"results,omitempty"`
	NextCursor     int                     `json:"nextCursor,omitempty"`
	TempIDMap      map[string]string       `json:"tempIdMap,omitempty"`
	TempIDMappings []batch.Mapping         `json:"tempIdMappings,omitempty"`
	Error          *batch.ErrorDetail      `json:"error,omitempty"`
	Timeline       []TimelineEvent         `json:"timeline,omitempty"`
}

// View snapshots the job. Summary views omit per-operation results and
// the timeline, leaving just identity, state, and the digest.
func (j *Job) View(summary bool) JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{
		ID:          j.ID,
		State:       j.state,
		SubmittedAt: j.submittedAt,
		Digest:      j.digest,
		Error:       j.errDetail,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		v.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		v.FinishedAt = &t
		if !j.startedAt.IsZero() {
			v.DurationMs = j.finishedAt.Sub(j.startedAt).Milliseconds()
		}
	}
	if !summary {
		v.Results = append([]batch.OperationResult(nil), j.results...)
		v.Timeline = append([]TimelineEvent(nil), j.timeline...)
		v.TempIDMap = j.Table.ResolvedMap()
		v.TempIDMappings = j.Table.Mappings()
	}
	return v
}

// jobIndex keeps submitted jobs addressable by ID and listable in
// submission order, with a bounded history of finished jobs.
type jobIndex struct {
	mu      sync.Mutex
	byID    map[string]*Job
	ordered []*Job
	limit   int
}

func newJobIndex(historyLimit int) *jobIndex {
	return &jobIndex{byID: make(map[string]*Job), limit: historyLimit}
}

func (x *jobIndex) add(j *Job) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID[j.ID] = j
	x.ordered = append(x.ordered, j)
	x.evictLocked()
}

// evictLocked drops the oldest terminal jobs beyond the history limit.
// Queued and running jobs are never evicted.
func (x *jobIndex) evictLocked() {
	if x.limit <= 0 || len(x.ordered) <= x.limit {
		return
	}
	kept := x.ordered[:0]
	excess := len(x.ordered) - x.limit
	for _, j := range x.ordered {
		if excess > 0 && j.State().Terminal() {
			delete(x.byID, j.ID)
			excess--
			continue
		}
		kept = append(kept, j)
	}
	x.ordered = kept
}

func (x *jobIndex) get(id string) (*Job, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	j, ok := x.byID[id]
	return j, ok
}

// list returns up to limit summary views after the cursor (a job ID;
// empty starts from the beginning), newest submissions last, plus the
// cursor for the next page. An empty state matches every job.
func (x *jobIndex) list(cursor string, limit int, state JobState) ([]JobView, string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	start := 0
	if cursor != "" {
		for i, j := range x.ordered {
			if j.ID == cursor {
				start = i + 1
				break
			}
		}
	}

	var out []JobView
	next := ""
	last := start
	for i := start; i < len(x.ordered) && len(out) < limit; i++ {
		v := x.ordered[i].View(true)
		last = i + 1
		if state != "" && v.State != state {
			continue
		}
		out = append(out, v)
	}
	if last < len(x.ordered) && len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next
}
