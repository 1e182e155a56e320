package streamstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/inmemory"
)

// fakeClock is a hand-advanced clock shared by the driver and the engine so
// expiry tests control time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupStore(t *testing.T) *streamstore.Store {
	t.Helper()
	st, err := streamstore.New(inmemory.New(), streamstore.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func setupStoreWithClock(t *testing.T, clock *fakeClock) *streamstore.Store {
	t.Helper()
	driver := inmemory.New(inmemory.WithClock(clock.Now))
	st, err := streamstore.New(driver, streamstore.Settings{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newMsg(t *testing.T, msgType string) streamstore.NewStreamMessage {
	t.Helper()
	m, err := streamstore.NewJSONMessage(msgType, `{"n":1}`)
	require.NoError(t, err)
	return m
}

func newMsgs(t *testing.T, n int) []streamstore.NewStreamMessage {
	t.Helper()
	msgs := make([]streamstore.NewStreamMessage, n)
	for i := range msgs {
		msgs[i] = newMsg(t, "event")
	}
	return msgs
}

func drainStream(t *testing.T, r *streamstore.StreamReadResult) []streamstore.StreamMessage {
	t.Helper()
	var out []streamstore.StreamMessage
	for {
		m, ok, err := r.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func drainAll(t *testing.T, r *streamstore.AllReadResult) []streamstore.StreamMessage {
	t.Helper()
	var out []streamstore.StreamMessage
	for {
		m, ok, err := r.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestAppend_CreatesStream(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	msgs := newMsgs(t, 3)
	res, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)
	assert.Equal(t, int64(2), res.CurrentPosition)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusSuccess, read.Status)

	got := drainStream(t, read)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, msgs[i].ID, m.MessageID)
		assert.Equal(t, i, m.StreamVersion)
		assert.Equal(t, int64(i), m.Position)

		data, err := m.JSONData(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, data)
	}
}

func TestAppend_NoStreamConflictsWhenStreamExists(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 1))
	require.NoError(t, err)

	_, err = st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 1))
	var conflict streamstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "orders-1", conflict.StreamID)
}

func TestAppend_IdempotentReplay(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	msgs := newMsgs(t, 3)
	first, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)

	// Replaying the identical batch is a no-op reporting the current tail.
	second, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, drainStream(t, read), 3)
}

func TestAppend_PartialReplayConflicts(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	msgs := newMsgs(t, 3)
	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)

	// Same ids plus one extra is not a pure replay.
	extended := append(append([]streamstore.NewStreamMessage{}, msgs...), newMsg(t, "event"))
	_, err = st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, extended)
	var conflict streamstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
}

func TestAppend_ConcreteExpectedVersion(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 2))
	require.NoError(t, err)

	res, err := st.AppendToStream(ctx, "orders-1", 1, newMsgs(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)

	// Stale writer.
	_, err = st.AppendToStream(ctx, "orders-1", 0, newMsgs(t, 1))
	var conflict streamstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, conflict.ExpectedVersion)
}

func TestAppend_EmptyBatchWithConcreteVersionReportsHead(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 6))
	require.NoError(t, err)

	res, err := st.AppendToStream(ctx, "orders-1", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.CurrentVersion)
	assert.Equal(t, int64(5), res.CurrentPosition)
}

func TestAppend_ExpectedVersionAny(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionAny, newMsgs(t, 1))
	require.NoError(t, err)
	res, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionAny, newMsgs(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)
}

func TestAppend_EmptyStreamExpectation(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	// Create the stream with no messages.
	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, nil)
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusSuccess, read.Status)
	assert.Empty(t, drainStream(t, read))

	// EmptyStream succeeds against the created-but-empty stream.
	res, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionEmptyStream, newMsgs(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.CurrentVersion)

	// And conflicts when the stream does not exist at all.
	_, err = st.AppendToStream(ctx, "missing", streamstore.ExpectedVersionEmptyStream, newMsgs(t, 1))
	var conflict streamstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
}

func TestAppend_RejectsSystemStreams(t *testing.T) {
	st := setupStore(t)

	_, err := st.AppendToStream(context.Background(), "$deleted", streamstore.ExpectedVersionAny, newMsgs(t, 1))
	var invalid streamstore.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "streamId", invalid.Name)
}

func TestReadStream_NotFound(t *testing.T) {
	st := setupStore(t)

	read, err := st.ReadStreamForwards(context.Background(), "missing", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusStreamNotFound, read.Status)

	_, ok, err := read.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadStream_ForwardsPagesThroughWholeStream(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	msgs := newMsgs(t, 25)
	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", 3, 7, true)
	require.NoError(t, err)
	got := drainStream(t, read)
	require.Len(t, got, 22)
	assert.Equal(t, 3, got[0].StreamVersion)
	assert.Equal(t, 24, got[len(got)-1].StreamVersion)
}

func TestReadStream_ForwardTruncatesAtInitialEnd(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 3))
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 2, read.LastStreamVersion)

	// Messages appended after the read started stay invisible to it.
	first, ok, err := read.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, first.StreamVersion)

	_, err = st.AppendToStream(ctx, "orders-1", 2, newMsgs(t, 5))
	require.NoError(t, err)

	var rest []streamstore.StreamMessage
	for {
		m, ok, err := read.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		rest = append(rest, m)
	}
	require.Len(t, rest, 2)
	assert.Equal(t, 2, rest[1].StreamVersion)
}

func TestReadStream_BackwardsFromEnd(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 3))
	require.NoError(t, err)

	read, err := st.ReadStreamBackwards(ctx, "orders-1", streamstore.VersionEnd, 1, true)
	require.NoError(t, err)
	m, ok, err := read.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, m.StreamVersion)

	read, err = st.ReadStreamBackwards(ctx, "orders-1", streamstore.VersionEnd, 4, true)
	require.NoError(t, err)
	got := drainStream(t, read)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].StreamVersion)
	assert.Equal(t, 0, got[2].StreamVersion)
}

func TestReadStream_ValidatesArguments(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.ReadStreamForwards(ctx, "orders-1", -1, 10, true)
	var invalid streamstore.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)

	_, err = st.ReadStreamForwards(ctx, "orders-1", 0, 0, true)
	require.ErrorAs(t, err, &invalid)

	_, err = st.ReadStreamBackwards(ctx, "orders-1", -2, 10, true)
	require.ErrorAs(t, err, &invalid)

	_, err = st.ReadStreamForwards(ctx, "", 0, 10, true)
	require.ErrorAs(t, err, &invalid)

	_, err = st.ReadStreamForwards(ctx, "has space", 0, 10, true)
	require.ErrorAs(t, err, &invalid)
}

func TestReadAll_ForwardAndBackward(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 2))
	require.NoError(t, err)
	_, err = st.AppendToStream(ctx, "orders-2", streamstore.ExpectedVersionNoStream, newMsgs(t, 2))
	require.NoError(t, err)

	fwd, err := st.ReadAllForwards(ctx, streamstore.PositionStart, 3, true)
	require.NoError(t, err)
	got := drainAll(t, fwd)
	require.Len(t, got, 4)
	assert.Equal(t, int64(0), got[0].Position)
	assert.Equal(t, int64(3), got[3].Position)
	assert.Equal(t, "orders-2", got[3].StreamID)

	bwd, err := st.ReadAllBackwards(ctx, streamstore.PositionEnd, 3, true)
	require.NoError(t, err)
	got = drainAll(t, bwd)
	require.Len(t, got, 4)
	assert.Equal(t, int64(3), got[0].Position)
	assert.Equal(t, int64(0), got[3].Position)
}

func TestReadHeadPosition(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	head, err := st.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, streamstore.PositionEnd, head)

	_, err = st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 3))
	require.NoError(t, err)

	head, err = st.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestMetadata_RoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	meta, err := st.GetStreamMetadata(ctx, "orders-1")
	require.NoError(t, err)
	assert.Equal(t, streamstore.VersionEnd, meta.MetadataStreamVersion)
	assert.Nil(t, meta.MaxAge)
	assert.Nil(t, meta.MaxCount)

	maxAge, maxCount := 3600, 42
	err = st.SetStreamMetadata(ctx, "orders-1", streamstore.ExpectedVersionNoStream, &maxAge, &maxCount, `{"owner":"billing"}`)
	require.NoError(t, err)

	meta, err = st.GetStreamMetadata(ctx, "orders-1")
	require.NoError(t, err)
	assert.Equal(t, 0, meta.MetadataStreamVersion)
	require.NotNil(t, meta.MaxAge)
	assert.Equal(t, 3600, *meta.MaxAge)
	require.NotNil(t, meta.MaxCount)
	assert.Equal(t, 42, *meta.MaxCount)
	assert.JSONEq(t, `{"owner":"billing"}`, meta.MetadataJSON)

	// Stale expected version on the metadata stream conflicts.
	err = st.SetStreamMetadata(ctx, "orders-1", streamstore.ExpectedVersionNoStream, nil, nil, "")
	var conflict streamstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
}

func TestMetadata_MaxCountTrimsOnAppend(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	maxCount := 2
	err := st.SetStreamMetadata(ctx, "orders-1", streamstore.ExpectedVersionNoStream, nil, &maxCount, "")
	require.NoError(t, err)

	_, err = st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionAny, newMsgs(t, 4))
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	got := drainStream(t, read)
	require.Len(t, got, 2)
	// The survivors keep their original versions.
	assert.Equal(t, 2, got[0].StreamVersion)
	assert.Equal(t, 3, got[1].StreamVersion)
}

func TestMetadata_MaxCountTrimsExistingMessages(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 5))
	require.NoError(t, err)

	maxCount := 2
	err = st.SetStreamMetadata(ctx, "orders-1", streamstore.ExpectedVersionNoStream, nil, &maxCount, "")
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, drainStream(t, read), 2)
}

func TestMetadata_MaxAgeFiltersExpired(t *testing.T) {
	clock := newFakeClock()
	st := setupStoreWithClock(t, clock)
	ctx := context.Background()

	maxAge := 30
	err := st.SetStreamMetadata(ctx, "orders-1", streamstore.ExpectedVersionNoStream, &maxAge, nil, "")
	require.NoError(t, err)

	_, err = st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionAny, newMsgs(t, 2))
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, drainStream(t, read), 2)

	clock.Advance(60 * time.Second)

	read, err = st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Empty(t, drainStream(t, read))

	// The global log filters the same way.
	all, err := st.ReadAllForwards(ctx, streamstore.PositionStart, 10, true)
	require.NoError(t, err)
	for _, m := range drainAll(t, all) {
		assert.NotEqual(t, "orders-1", m.StreamID)
	}
}

func TestMetadata_MaxAgeFiltersEachStreamIndependently(t *testing.T) {
	clock := newFakeClock()
	st := setupStoreWithClock(t, clock)
	ctx := context.Background()

	shortAge, longAge := 30, 120
	err := st.SetStreamMetadata(ctx, "orders-1", streamstore.ExpectedVersionNoStream, &shortAge, nil, "")
	require.NoError(t, err)
	err = st.SetStreamMetadata(ctx, "billing-1", streamstore.ExpectedVersionNoStream, &longAge, nil, "")
	require.NoError(t, err)

	_, err = st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionAny, newMsgs(t, 2))
	require.NoError(t, err)
	_, err = st.AppendToStream(ctx, "billing-1", streamstore.ExpectedVersionAny, newMsgs(t, 2))
	require.NoError(t, err)

	// Past the short policy but within the long one: the global log drops
	// only the stream whose own max age elapsed.
	clock.Advance(60 * time.Second)

	all, err := st.ReadAllForwards(ctx, streamstore.PositionStart, 10, true)
	require.NoError(t, err)
	survivors := 0
	for _, m := range drainAll(t, all) {
		assert.NotEqual(t, "orders-1", m.StreamID)
		if m.StreamID == "billing-1" {
			survivors++
		}
	}
	assert.Equal(t, 2, survivors)

	read, err := st.ReadStreamForwards(ctx, "billing-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, drainStream(t, read), 2)
}

func TestDeleteStream_RecordsTombstone(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 2))
	require.NoError(t, err)

	err = st.DeleteStream(ctx, "orders-1", streamstore.ExpectedVersionAny)
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusStreamNotFound, read.Status)

	tomb, err := st.ReadStreamForwards(ctx, streamstore.DeletedStreamID, streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	got := drainStream(t, tomb)
	require.Len(t, got, 1)
	assert.Equal(t, streamstore.StreamDeletedMessageType, got[0].Type)

	// Deleting again is a no-op and adds no second tombstone.
	err = st.DeleteStream(ctx, "orders-1", streamstore.ExpectedVersionAny)
	require.NoError(t, err)
	tomb, err = st.ReadStreamForwards(ctx, streamstore.DeletedStreamID, streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	assert.Len(t, drainStream(t, tomb), 1)
}

func TestDeleteStream_ConcreteVersionMismatchConflicts(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, newMsgs(t, 2))
	require.NoError(t, err)

	err = st.DeleteStream(ctx, "orders-1", 0)
	var conflict streamstore.ConcurrencyError
	require.ErrorAs(t, err, &conflict)

	err = st.DeleteStream(ctx, "orders-1", 1)
	require.NoError(t, err)
}

func TestDeleteMessage(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	msgs := newMsgs(t, 3)
	_, err := st.AppendToStream(ctx, "orders-1", streamstore.ExpectedVersionNoStream, msgs)
	require.NoError(t, err)

	err = st.DeleteMessage(ctx, "orders-1", msgs[1].ID)
	require.NoError(t, err)

	read, err := st.ReadStreamForwards(ctx, "orders-1", streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	got := drainStream(t, read)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].StreamVersion)
	assert.Equal(t, 2, got[1].StreamVersion)

	tomb, err := st.ReadStreamForwards(ctx, streamstore.DeletedStreamID, streamstore.VersionStart, 10, true)
	require.NoError(t, err)
	tombs := drainStream(t, tomb)
	require.Len(t, tombs, 1)
	assert.Equal(t, streamstore.MessageDeletedMessageType, tombs[0].Type)

	// Unknown ids are a no-op.
	err = st.DeleteMessage(ctx, "orders-1", uuid.New())
	require.NoError(t, err)
}

func TestListStreams(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"orders-1", "orders-2", "billing-1"} {
		_, err := st.AppendToStream(ctx, id, streamstore.ExpectedVersionNoStream, newMsgs(t, 1))
		require.NoError(t, err)
	}

	page, err := st.ListStreams(ctx, streamstore.PatternStartingWith("orders-"), 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-1", "orders-2"}, page.StreamIDs)
	assert.Empty(t, page.ContinuationToken)

	page, err = st.ListStreams(ctx, streamstore.PatternEndingWith("-1"), 10, "")
	require.NoError(t, err)
	assert.Contains(t, page.StreamIDs, "orders-1")
	assert.Contains(t, page.StreamIDs, "billing-1")
}

func TestListStreams_Pagination(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"s-a", "s-b", "s-c", "s-d", "s-e"} {
		_, err := st.AppendToStream(ctx, id, streamstore.ExpectedVersionNoStream, newMsgs(t, 1))
		require.NoError(t, err)
	}

	var all []string
	token := ""
	for {
		page, err := st.ListStreams(ctx, streamstore.PatternAny(), 2, token)
		require.NoError(t, err)
		all = append(all, page.StreamIDs...)
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	assert.Equal(t, []string{"s-a", "s-b", "s-c", "s-d", "s-e"}, all)
}

func TestGetStreamMetadata_RejectsMetadataStreams(t *testing.T) {
	st := setupStore(t)

	_, err := st.GetStreamMetadata(context.Background(), "$$orders-1")
	var invalid streamstore.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

func TestClose_Idempotent(t *testing.T) {
	st, err := streamstore.New(inmemory.New(), streamstore.Settings{})
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err = st.AppendToStream(context.Background(), "orders-1", streamstore.ExpectedVersionAny, newMsgs(t, 1))
	assert.ErrorIs(t, err, streamstore.ErrStoreClosed)

	_, err = st.ReadStreamForwards(context.Background(), "orders-1", streamstore.VersionStart, 1, true)
	assert.ErrorIs(t, err, streamstore.ErrStoreClosed)
}
