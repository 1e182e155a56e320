// Package taskqueue provides a FIFO, single-consumer queue of units of work.
// The store uses it to run best-effort scavenging off the read path: one unit
// of work failing must not halt the queue or leak into unrelated work.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed completes work that was enqueued after the queue was closed, or
// that was still waiting when the queue shut down.
var ErrClosed = errors.New("taskqueue: queue is closed")

// Task is the completion signal of one enqueued unit of work.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Done is closed when the unit of work has finished, failed or been cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the unit's own failure. Valid only after Done is closed.
func (t *Task) Err() error { return t.err }

// Wait blocks until the unit of work completes or the context is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) complete(err error) {
	t.err = err
	close(t.done)
}

type workItem struct {
	fn   func(context.Context) error
	task *Task
}

// Queue executes units of work in enqueue order, one at a time, on a
// dedicated worker goroutine. Safe for concurrent producers.
type Queue struct {
	mu      sync.Mutex
	pending []*workItem
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a queue with its worker running.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules fn and returns its completion signal. Work enqueued after
// Close completes immediately with ErrClosed instead of executing.
func (q *Queue) Enqueue(fn func(context.Context) error) *Task {
	task := newTask()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		task.complete(ErrClosed)
		return task
	}
	q.pending = append(q.pending, &workItem{fn: fn, task: task})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return task
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			q.failPending()
			return
		default:
		}
		item := q.pop()
		if item == nil {
			select {
			case <-q.ctx.Done():
				q.failPending()
				return
			case <-q.wake:
				continue
			}
		}
		item.task.complete(q.invoke(item.fn))
	}
}

func (q *Queue) pop() *workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	return item
}

// invoke isolates the unit of work: its error, or panic, is attached to its
// own task and never reaches the worker loop.
func (q *Queue) invoke(fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskqueue: unit of work panicked: %v", r)
		}
	}()
	return fn(q.ctx)
}

func (q *Queue) failPending() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, item := range pending {
		item.task.complete(ErrClosed)
	}
}

// Close stops accepting work, cancels queued-but-unstarted units and waits
// for the worker to exit. In-flight work observes the cancelled context.
// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
}
