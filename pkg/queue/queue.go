// Package queue provides a strict FIFO, concurrency-1 job executor. One
// instance is the sole admission path into vault/state mutation; a second
// independent instance serializes pending-operation writes.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed rejects submissions after Close.
var ErrClosed = errors.New("queue closed")

// Job is a deferred unit of work.
type Job func(ctx context.Context) (any, error)

type task struct {
	ctx    context.Context
	job    Job
	result chan outcome
}

type outcome struct {
	value any
	err   error
}

// Queue executes jobs strictly in submission order, one at a time. A
// failed job does not poison the queue; the next job still runs.
type Queue struct {
	mu     sync.Mutex
	tasks  []*task
	wake   chan struct{}
	done   chan struct{}
	closed bool
	once   sync.Once
}

// New starts the queue's single worker.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit appends job and blocks until the job settles or ctx is done.
// A context cancellation abandons the wait but never the job: there is
// no mid-flight cancellation of queued work.
func (q *Queue) Submit(ctx context.Context, job Job) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &task{ctx: ctx, job: job, result: make(chan outcome, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-t.result:
		return res.value, res.err
	}
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			q.failRemaining()
			return
		default:
		}
		t := q.next()
		if t == nil {
			select {
			case <-q.done:
				q.failRemaining()
				return
			case <-q.wake:
			}
			continue
		}
		value, err := t.job(t.ctx)
		t.result <- outcome{value: value, err: err}
	}
}

func (q *Queue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

func (q *Queue) failRemaining() {
	q.mu.Lock()
	remaining := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, t := range remaining {
		t.result <- outcome{err: ErrClosed}
	}
}

// Close stops the worker after the currently executing job completes.
// Jobs still waiting settle with ErrClosed.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}
