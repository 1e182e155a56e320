package streamstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/inmemory"
)

// subscriptionStore uses a short notifier interval so tests do not wait out
// the default one-second poll.
func subscriptionStore(t *testing.T) *streamstore.Store {
	t.Helper()
	st, err := streamstore.New(inmemory.New(), streamstore.Settings{
		NotifierInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// collector gathers delivered messages behind a mutex and signals each
// arrival.
type collector struct {
	mu       sync.Mutex
	messages []streamstore.StreamMessage
	arrived  chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 128)}
}

func (c *collector) receive(_ context.Context, m streamstore.StreamMessage) error {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
	c.arrived <- struct{}{}
	return nil
}

func (c *collector) waitFor(t *testing.T, n int) []streamstore.StreamMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.messages) >= n {
			out := append([]streamstore.StreamMessage{}, c.messages...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.arrived:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func TestSubscribeToStream_ReplaysAndFollows(t *testing.T) {
	st := subscriptionStore(t)
	ctx := context.Background()

	msgs := newMsgs(t, 3)
	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)

	col := newCollector()
	caughtUp := make(chan struct{})
	sub, err := st.SubscribeToStream("orders-1", nil, col.receive,
		streamstore.WithCaughtUpHandler(func() { close(caughtUp) }),
	)
	require.NoError(t, err)
	defer sub.Stop()

	got := col.waitFor(t, 3)
	assert.Equal(t, msgs[0].ID, got[0].MessageID)

	select {
	case <-caughtUp:
	case <-time.After(5 * time.Second):
		t.Fatal("caught-up handler never fired")
	}

	// Live messages follow.
	more := newMsgs(t, 2)
	_, err = st.AppendToStream(ctx, "orders-1", 2, more)
	require.NoError(t, err)

	got = col.waitFor(t, 5)
	assert.Equal(t, more[1].ID, got[4].MessageID)
	assert.Equal(t, 4, got[4].StreamVersion)
}

func TestSubscribeToStream_ContinueAfterVersionIsExclusive(t *testing.T) {
	st := subscriptionStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 5))
	require.NoError(t, err)

	col := newCollector()
	after := 2
	sub, err := st.SubscribeToStream("orders-1", &after, col.receive)
	require.NoError(t, err)
	defer sub.Stop()

	got := col.waitFor(t, 2)
	assert.Equal(t, 3, got[0].StreamVersion)
	assert.Equal(t, 4, got[1].StreamVersion)
}

func TestSubscribeToAll_FollowsGlobalLog(t *testing.T) {
	st := subscriptionStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 2))
	require.NoError(t, err)

	col := newCollector()
	sub, err := st.SubscribeToAll(nil, col.receive)
	require.NoError(t, err)
	defer sub.Stop()

	col.waitFor(t, 2)

	_, err = st.AppendToStream(ctx, "orders-2", streamstore.ExpectedVersionNoStream, newMsgs(t, 1))
	require.NoError(t, err)

	got := col.waitFor(t, 3)
	assert.Equal(t, "orders-2", got[2].StreamID)
	assert.Equal(t, int64(2), got[2].Position)
}

func TestSubscribeToAll_ContinueAfterPosition(t *testing.T) {
	st := subscriptionStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 4))
	require.NoError(t, err)

	col := newCollector()
	after := int64(1)
	sub, err := st.SubscribeToAll(&after, col.receive)
	require.NoError(t, err)
	defer sub.Stop()

	got := col.waitFor(t, 2)
	assert.Equal(t, int64(2), got[0].Position)
	assert.Equal(t, int64(3), got[1].Position)
}

func TestSubscription_DroppedOnSubscriberError(t *testing.T) {
	st := subscriptionStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 1))
	require.NoError(t, err)

	boom := errors.New("handler failed")
	dropped := make(chan streamstore.SubscriptionDroppedReason, 1)
	var droppedErr error

	sub, err := st.SubscribeToStream("orders-1", nil,
		func(context.Context, streamstore.StreamMessage) error { return boom },
		streamstore.WithDroppedHandler(func(reason streamstore.SubscriptionDroppedReason, err error) {
			droppedErr = err
			dropped <- reason
		}),
	)
	require.NoError(t, err)
	defer sub.Stop()

	select {
	case reason := <-dropped:
		assert.Equal(t, streamstore.DropReasonSubscriberError, reason)
		assert.ErrorIs(t, droppedErr, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("dropped handler never fired")
	}
}

func TestSubscription_StopReportsDisposed(t *testing.T) {
	st := subscriptionStore(t)

	dropped := make(chan streamstore.SubscriptionDroppedReason, 1)
	sub, err := st.SubscribeToAll(nil,
		func(context.Context, streamstore.StreamMessage) error { return nil },
		streamstore.WithDroppedHandler(func(reason streamstore.SubscriptionDroppedReason, _ error) {
			dropped <- reason
		}),
	)
	require.NoError(t, err)

	sub.Stop()

	select {
	case reason := <-dropped:
		assert.Equal(t, streamstore.DropReasonDisposed, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("dropped handler never fired")
	}
}
