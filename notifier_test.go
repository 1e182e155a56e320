package streamstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingNotifier_SignalsOnHeadAdvance(t *testing.T) {
	var head atomic.Int64
	head.Store(PositionEnd)

	n := NewPollingNotifier(
		func(context.Context) (int64, error) { return head.Load(), nil },
		5*time.Millisecond,
		zerolog.Nop(),
	)
	defer n.Close()

	ch, cancel := n.Subscribe()
	defer cancel()

	// No signal while the head sits still.
	select {
	case <-ch:
		t.Fatal("unexpected signal with unchanged head")
	case <-time.After(50 * time.Millisecond):
	}

	head.Store(3)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no signal after head advanced")
	}
}

func TestPollingNotifier_CoalescesBursts(t *testing.T) {
	var head atomic.Int64
	head.Store(PositionEnd)

	n := NewPollingNotifier(
		func(context.Context) (int64, error) { return head.Load(), nil },
		time.Millisecond,
		zerolog.Nop(),
	)
	defer n.Close()

	ch, cancel := n.Subscribe()
	defer cancel()

	for i := int64(0); i < 20; i++ {
		head.Store(i)
		time.Sleep(time.Millisecond)
	}

	// The busy subscriber sees at most one pending signal at a time.
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no signal after head advanced")
	}
	assert.LessOrEqual(t, len(ch), 1)
}

func TestPollingNotifier_KeepsPollingThroughErrors(t *testing.T) {
	var calls atomic.Int64
	n := NewPollingNotifier(
		func(context.Context) (int64, error) {
			if calls.Add(1) < 3 {
				return 0, errors.New("backend down")
			}
			return 7, nil
		},
		time.Millisecond,
		zerolog.Nop(),
	)
	defer n.Close()

	ch, cancel := n.Subscribe()
	defer cancel()

	// The failed polls are skipped, then the recovered head signals.
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no signal after recovery")
	}
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestPollingNotifier_CloseStopsPolling(t *testing.T) {
	var calls atomic.Int64
	n := NewPollingNotifier(
		func(context.Context) (int64, error) { calls.Add(1); return PositionEnd, nil },
		time.Millisecond,
		zerolog.Nop(),
	)

	require.NoError(t, n.Close())
	settled := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, calls.Load())

	// Close is idempotent.
	require.NoError(t, n.Close())
}

func TestPollingNotifier_UnsubscribeStopsDelivery(t *testing.T) {
	var head atomic.Int64
	head.Store(PositionEnd)
	n := NewPollingNotifier(
		func(context.Context) (int64, error) { return head.Load(), nil },
		time.Millisecond,
		zerolog.Nop(),
	)
	defer n.Close()

	ch, cancel := n.Subscribe()
	cancel()
	// Safe to cancel twice.
	cancel()

	head.Store(5)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("signal delivered after unsubscribe")
		}
	case <-time.After(30 * time.Millisecond):
	}
}
