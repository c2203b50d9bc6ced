package link

import (
	"context"
	"errors"
	"sync"

	logx "linkmux/pkg/logx"
)

var errQueueClosed = errors.New("write queue closed")

type writeJob struct {
	name string
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget jobs
}

// writeQueue applies one session's credential writes in submission order.
type writeQueue struct {
	log logx.Logger

	mu     sync.Mutex
	jobs   []writeJob
	closed bool
	wake   chan struct{}
}

func newWriteQueue(log logx.Logger) *writeQueue {
	return &writeQueue{log: log, wake: make(chan struct{}, 1)}
}

// submit queues fn. The returned channel receives its result; it is never nil.
func (q *writeQueue) submit(name string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	q.push(writeJob{name: name, fn: fn, done: done})
	return done
}

// post queues fn without waiting for it. Failures are logged.
func (q *writeQueue) post(name string, fn func(ctx context.Context) error) {
	q.push(writeJob{name: name, fn: fn})
}

// barrier waits until every job queued before it has run.
func (q *writeQueue) barrier(ctx context.Context) error {
	done := q.submit("barrier", func(context.Context) error { return nil })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *writeQueue) push(j writeJob) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if j.done != nil {
			j.done <- errQueueClosed
		}
		return
	}
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting jobs; run drains what is already queued and returns.
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run executes jobs until the queue is closed and drained. Cancelling ctx
// does not cancel queued writes.
func (q *writeQueue) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		q.mu.Lock()
		batch := q.jobs
		q.jobs = nil
		closed := q.closed
		q.mu.Unlock()

		for _, j := range batch {
			err := j.fn(ctx)
			if j.done != nil {
				j.done <- err
			} else if err != nil {
				q.log.Error("credential write failed", logx.String("job", j.name), logx.Err(err))
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-q.wake
		}
	}
}
