package storage

import (
	"context"
	"sync"
)

// WriteQueue serialises all store mutations through a strictly FIFO chain:
// each write waits for the previous write to complete before running. It is
// the only mechanism by which a store observes concurrency; there is no
// multi-writer optimistic concurrency.
//
// Do blocks until the job has run; Enqueue is fire-and-forget for
// best-effort work such as access-count bumps. Both share one FIFO order,
// so there is no priority inversion between user mutations and bumps.
type WriteQueue struct {
	jobs chan queuedJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type queuedJob struct {
	run  func()
	done chan struct{}
}

// queueDepth bounds the number of pending writes. Enqueue drops silently
// when the buffer is full; Do blocks.
const queueDepth = 256

// NewWriteQueue starts the single worker goroutine.
func NewWriteQueue() *WriteQueue {
	q := &WriteQueue{jobs: make(chan queuedJob, queueDepth)}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *WriteQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		job.run()
		if job.done != nil {
			close(job.done)
		}
	}
}

// Do runs fn after every previously submitted job has completed and blocks
// until fn itself completes. Cancellation of ctx while waiting in the queue
// abandons the wait but the job still runs to completion in order; a job
// that has started is never interrupted.
func (q *WriteQueue) Do(ctx context.Context, fn func() error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	var err error
	job := queuedJob{
		run:  func() { err = fn() },
		done: make(chan struct{}),
	}
	q.jobs <- job
	q.mu.Unlock()

	select {
	case <-job.done:
		return err
	case <-ctx.Done():
		// The job stays in the chain and will run; the caller just stops
		// waiting for its result.
		return ctx.Err()
	}
}

// Enqueue schedules fn without awaiting it. When the queue is full or
// closed the job is dropped; the caller treats the work as best-effort.
func (q *WriteQueue) Enqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- queuedJob{run: fn}:
	default:
	}
}

// Close drains the queue and stops the worker. Pending jobs run to
// completion before Close returns.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}
