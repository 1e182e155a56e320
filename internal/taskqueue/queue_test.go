package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsTasksInOrder(t *testing.T) {
	q := New()
	defer q.Close()

	const n = 250
	var (
		mu    sync.Mutex
		order []int
	)
	tasks := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		i := i
		tasks = append(tasks, q.Enqueue(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, task := range tasks {
		require.NoError(t, task.Wait(context.Background()))
	}

	require.Len(t, order, n)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := New()
	defer q.Close()

	const (
		producers        = 5
		tasksPerProducer = 50
	)
	type step struct{ producer, seq int }
	var (
		mu    sync.Mutex
		order []step
	)
	tasks := make(chan *Task, producers*tasksPerProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < tasksPerProducer; i++ {
				i := i
				tasks <- q.Enqueue(func(context.Context) error {
					mu.Lock()
					order = append(order, step{producer: p, seq: i})
					mu.Unlock()
					return nil
				})
			}
		}()
	}
	wg.Wait()
	close(tasks)
	for task := range tasks {
		require.NoError(t, task.Wait(context.Background()))
	}

	// Every unit ran exactly once, each producer's units in its enqueue order.
	require.Len(t, order, producers*tasksPerProducer)
	next := make([]int, producers)
	for _, s := range order {
		assert.Equal(t, next[s.producer], s.seq)
		next[s.producer]++
	}
	for p, n := range next {
		assert.Equal(t, tasksPerProducer, n, "producer %d", p)
	}
}

func TestQueue_TaskErrorDoesNotStopTheQueue(t *testing.T) {
	q := New()
	defer q.Close()

	boom := errors.New("task failed")
	failed := q.Enqueue(func(context.Context) error { return boom })
	ok := q.Enqueue(func(context.Context) error { return nil })

	require.Error(t, failed.Wait(context.Background()))
	assert.ErrorIs(t, failed.Err(), boom)
	require.NoError(t, ok.Wait(context.Background()))
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := New()
	defer q.Close()

	panicked := q.Enqueue(func(context.Context) error { panic("kaboom") })
	after := q.Enqueue(func(context.Context) error { return nil })

	require.Error(t, panicked.Wait(context.Background()))
	require.NoError(t, after.Wait(context.Background()))
}

func TestQueue_EnqueueAfterCloseFails(t *testing.T) {
	q := New()
	q.Close()

	task := q.Enqueue(func(context.Context) error { return nil })
	err := task.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseCancelsPending(t *testing.T) {
	q := New()

	started := make(chan struct{})
	release := make(chan struct{})
	running := q.Enqueue(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	pending := q.Enqueue(func(context.Context) error { return nil })
	<-started

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	// Give Close time to cancel the worker context, then let the in-flight
	// task finish.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	// The in-flight task finished; the pending one was failed by Close.
	<-running.Done()
	require.NoError(t, running.Err())
	<-pending.Done()
	assert.ErrorIs(t, pending.Err(), ErrClosed)
}

func TestQueue_CloseIdempotent(t *testing.T) {
	q := New()
	q.Close()
	q.Close()
}

func TestTask_WaitHonorsContext(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	defer close(release)
	blocked := q.Enqueue(func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := blocked.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
