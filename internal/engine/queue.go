package engine

import "sync"

// jobQueue is a thread-safe FIFO of submitted jobs.
//
// The queue is unbounded: submission never blocks the caller, and the
// single worker drains it in arrival order, which is what gives jobs
// their strict FIFO execution guarantee.
//
// The signal channel (buffered, size 1) coalesces wakeups so the worker
// can wait with a select and stay responsive to context cancellation.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []*Job
	closed bool
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]*Job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue. Returns false if the
// queue is closed.
func (q *jobQueue) Enqueue(j *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front job without blocking.
func (q *jobQueue) TryDequeue() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]

	// Nil out the slot so the backing array does not pin the job.
	q.jobs[0] = nil
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Wait returns the wakeup channel for select-based waiting.
func (q *jobQueue) Wait() <-chan struct{} { return q.signal }

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops further enqueues and wakes any blocked waiter.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
