// Package drivertest holds a conformance suite that every streamstore
// backend must pass. Backend packages call Run from their own tests with a
// factory for a fresh store.
package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/streamstore"
)

// Factory creates an empty driver. Cleanup runs through t.Cleanup.
type Factory func(t *testing.T) streamstore.Driver

// Run exercises the full driver contract against a backend.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d streamstore.Driver)
	}{
		{"AppendAndReadForward", testAppendAndReadForward},
		{"AppendExpectations", testAppendExpectations},
		{"AppendIdempotency", testAppendIdempotency},
		{"ReadBackward", testReadBackward},
		{"ReadNotFound", testReadNotFound},
		{"ReadAll", testReadAll},
		{"HeadPosition", testHeadPosition},
		{"Metadata", testMetadata},
		{"MaxCountTrim", testMaxCountTrim},
		{"DeleteStream", testDeleteStream},
		{"DeleteMessage", testDeleteMessage},
		{"ListStreams", testListStreams},
		{"Close", testClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := factory(t)
			t.Cleanup(func() { d.Close() })
			tt.fn(t, d)
		})
	}
}

func msgs(t *testing.T, n int) []streamstore.NewStreamMessage {
	t.Helper()
	out := make([]streamstore.NewStreamMessage, n)
	for i := range out {
		m, err := streamstore.NewJSONMessage("event", `{"n":1}`)
		require.NoError(t, err)
		out[i] = m
	}
	return out
}

func testAppendAndReadForward(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	batch := msgs(t, 3)
	res, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)
	assert.Equal(t, int64(2), res.CurrentPosition)

	page, err := d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusSuccess, page.Status)
	assert.True(t, page.IsEnd)
	assert.Equal(t, 2, page.LastStreamVersion)
	assert.Equal(t, int64(2), page.LastStreamPosition)
	assert.Equal(t, 3, page.NextStreamVersion)
	require.Len(t, page.Messages, 3)
	for i, m := range page.Messages {
		assert.Equal(t, batch[i].ID, m.MessageID)
		assert.Equal(t, i, m.StreamVersion)
		assert.Equal(t, int64(i), m.Position)
		assert.Equal(t, "s1", m.StreamID)
		assert.False(t, m.CreatedUTC.IsZero())

		data, err := m.JSONData(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, data)
	}

	// Paging stops mid-stream with IsEnd false.
	page, err = d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 2, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.False(t, page.IsEnd)
	assert.Equal(t, 2, page.NextStreamVersion)
	assert.Len(t, page.Messages, 2)
}

func testAppendExpectations(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()
	var conflict streamstore.ConcurrencyError

	// NoStream against an existing stream conflicts.
	_, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, msgs(t, 1))
	require.NoError(t, err)
	_, err = d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, msgs(t, 1))
	require.ErrorAs(t, err, &conflict)

	// Concrete versions append at the tail and reject stale writers.
	res, err := d.AppendToStream(ctx, "s1", 0, msgs(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentVersion)
	_, err = d.AppendToStream(ctx, "s1", 5, msgs(t, 1))
	require.ErrorAs(t, err, &conflict)

	// Any appends regardless of the tail.
	res, err = d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionAny, msgs(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, res.CurrentVersion)

	// EmptyStream needs the stream to exist and be empty.
	_, err = d.AppendToStream(ctx, "s2", streamstore.ExpectedVersionEmptyStream, msgs(t, 1))
	require.ErrorAs(t, err, &conflict)
	_, err = d.AppendToStream(ctx, "s2", streamstore.ExpectedVersionNoStream, nil)
	require.NoError(t, err)
	res, err = d.AppendToStream(ctx, "s2", streamstore.ExpectedVersionEmptyStream, msgs(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.CurrentVersion)

	// An empty creation leaves a readable, empty stream.
	_, err = d.AppendToStream(ctx, "s3", streamstore.ExpectedVersionNoStream, nil)
	require.NoError(t, err)
	page, err := d.ReadStreamPage(ctx, "s3", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusSuccess, page.Status)
	assert.Empty(t, page.Messages)
	assert.Equal(t, streamstore.VersionEnd, page.LastStreamVersion)
}

func testAppendIdempotency(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()
	var conflict streamstore.ConcurrencyError

	batch := msgs(t, 3)
	first, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, batch)
	require.NoError(t, err)

	// Full replays are no-ops for every expectation kind.
	res, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, batch)
	require.NoError(t, err)
	assert.Equal(t, first, res)
	res, err = d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionAny, batch)
	require.NoError(t, err)
	assert.Equal(t, first, res)

	// A replayed prefix of a later write, anchored at its original position.
	tail := msgs(t, 2)
	second, err := d.AppendToStream(ctx, "s1", 2, tail)
	require.NoError(t, err)
	res, err = d.AppendToStream(ctx, "s1", 2, tail)
	require.NoError(t, err)
	assert.Equal(t, second, res)

	// Partial overlap conflicts.
	extended := append(append([]streamstore.NewStreamMessage{}, tail...), msgs(t, 1)...)
	_, err = d.AppendToStream(ctx, "s1", 2, extended)
	require.ErrorAs(t, err, &conflict)

	// Any with some ids present and some new conflicts.
	mixed := []streamstore.NewStreamMessage{tail[1], msgs(t, 1)[0]}
	_, err = d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionAny, mixed)
	require.ErrorAs(t, err, &conflict)

	page, err := d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)
}

func testReadBackward(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	_, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, msgs(t, 3))
	require.NoError(t, err)

	// From End with room to spare: everything, newest first.
	page, err := d.ReadStreamPage(ctx, "s1", streamstore.VersionEnd, 4, streamstore.ReadBackward, true)
	require.NoError(t, err)
	assert.True(t, page.IsEnd)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, 2, page.Messages[0].StreamVersion)
	assert.Equal(t, 0, page.Messages[2].StreamVersion)

	// From End with maxCount 1: just the newest, more remaining.
	page, err = d.ReadStreamPage(ctx, "s1", streamstore.VersionEnd, 1, streamstore.ReadBackward, true)
	require.NoError(t, err)
	assert.False(t, page.IsEnd)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 2, page.Messages[0].StreamVersion)
	assert.Equal(t, 1, page.NextStreamVersion)

	// Continue from the token.
	page, err = d.ReadStreamPage(ctx, "s1", 1, 10, streamstore.ReadBackward, true)
	require.NoError(t, err)
	assert.True(t, page.IsEnd)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 1, page.Messages[0].StreamVersion)
}

func testReadNotFound(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	page, err := d.ReadStreamPage(ctx, "missing", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusStreamNotFound, page.Status)
	assert.True(t, page.IsEnd)
	assert.Empty(t, page.Messages)
	assert.Equal(t, streamstore.VersionEnd, page.LastStreamVersion)
}

func testReadAll(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	_, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, msgs(t, 2))
	require.NoError(t, err)
	_, err = d.AppendToStream(ctx, "s2", streamstore.ExpectedVersionNoStream, msgs(t, 2))
	require.NoError(t, err)

	page, err := d.ReadAllPage(ctx, streamstore.PositionStart, 3, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.False(t, page.IsEnd)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, int64(0), page.Messages[0].Position)
	assert.Equal(t, int64(3), page.NextPosition)

	page, err = d.ReadAllPage(ctx, page.NextPosition, 3, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.True(t, page.IsEnd)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "s2", page.Messages[0].StreamID)

	page, err = d.ReadAllPage(ctx, streamstore.PositionEnd, 10, streamstore.ReadBackward, true)
	require.NoError(t, err)
	assert.True(t, page.IsEnd)
	require.Len(t, page.Messages, 4)
	assert.Equal(t, int64(3), page.Messages[0].Position)
	assert.Equal(t, int64(0), page.Messages[3].Position)
}

func testHeadPosition(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	head, err := d.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, streamstore.PositionEnd, head)

	_, err = d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, msgs(t, 4))
	require.NoError(t, err)

	head, err = d.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func testMetadata(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	meta, err := d.GetStreamMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, streamstore.VersionEnd, meta.MetadataStreamVersion)

	maxAge, maxCount := 60, 10
	err = d.SetStreamMetadata(ctx, "s1", streamstore.ExpectedVersionNoStream, &maxAge, &maxCount, `{"team":"payments"}`)
	require.NoError(t, err)

	meta, err = d.GetStreamMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, meta.MetadataStreamVersion)
	require.NotNil(t, meta.MaxAge)
	assert.Equal(t, 60, *meta.MaxAge)
	require.NotNil(t, meta.MaxCount)
	assert.Equal(t, 10, *meta.MaxCount)
	assert.JSONEq(t, `{"team":"payments"}`, meta.MetadataJSON)

	// Updating with the right expected version replaces the policy.
	err = d.SetStreamMetadata(ctx, "s1", 0, nil, nil, "")
	require.NoError(t, err)
	meta, err = d.GetStreamMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.MetadataStreamVersion)
	assert.Nil(t, meta.MaxAge)
	assert.Nil(t, meta.MaxCount)

	// A stale expected version conflicts.
	var conflict streamstore.ConcurrencyError
	err = d.SetStreamMetadata(ctx, "s1", 0, nil, nil, "")
	require.ErrorAs(t, err, &conflict)
}

func testMaxCountTrim(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	maxCount := 2
	err := d.SetStreamMetadata(ctx, "s1", streamstore.ExpectedVersionNoStream, nil, &maxCount, "")
	require.NoError(t, err)

	_, err = d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionAny, msgs(t, 4))
	require.NoError(t, err)

	page, err := d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	// Survivors keep their original versions; they are never renumbered.
	assert.Equal(t, 2, page.Messages[0].StreamVersion)
	assert.Equal(t, 3, page.Messages[1].StreamVersion)
	assert.Equal(t, 3, page.LastStreamVersion)

	// The trimmed messages are gone from the global log too.
	all, err := d.ReadAllPage(ctx, streamstore.PositionStart, 100, streamstore.ReadForward, true)
	require.NoError(t, err)
	for _, m := range all.Messages {
		if m.StreamID == "s1" {
			assert.GreaterOrEqual(t, m.StreamVersion, 2)
		}
	}

	// Tightening the policy trims existing messages synchronously.
	one := 1
	err = d.SetStreamMetadata(ctx, "s1", 0, nil, &one, "")
	require.NoError(t, err)
	page, err = d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 3, page.Messages[0].StreamVersion)
}

func testDeleteStream(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	_, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, msgs(t, 2))
	require.NoError(t, err)
	maxAge := 60
	err = d.SetStreamMetadata(ctx, "s1", streamstore.ExpectedVersionNoStream, &maxAge, nil, "")
	require.NoError(t, err)

	// Wrong concrete version conflicts and deletes nothing.
	var conflict streamstore.ConcurrencyError
	err = d.DeleteStream(ctx, "s1", 0)
	require.ErrorAs(t, err, &conflict)

	err = d.DeleteStream(ctx, "s1", 1)
	require.NoError(t, err)

	page, err := d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.Equal(t, streamstore.ReadStatusStreamNotFound, page.Status)

	// The metadata stream went with it.
	meta, err := d.GetStreamMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, streamstore.VersionEnd, meta.MetadataStreamVersion)

	// One tombstone recorded.
	page, err = d.ReadStreamPage(ctx, streamstore.DeletedStreamID, streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, streamstore.StreamDeletedMessageType, page.Messages[0].Type)

	// Deleting an absent stream with Any is a no-op.
	err = d.DeleteStream(ctx, "s1", streamstore.ExpectedVersionAny)
	require.NoError(t, err)
	page, err = d.ReadStreamPage(ctx, streamstore.DeletedStreamID, streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func testDeleteMessage(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	batch := msgs(t, 3)
	_, err := d.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, batch)
	require.NoError(t, err)

	err = d.DeleteMessage(ctx, "s1", batch[1].ID)
	require.NoError(t, err)

	page, err := d.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 0, page.Messages[0].StreamVersion)
	assert.Equal(t, 2, page.Messages[1].StreamVersion)

	// Gone from the global log as well.
	all, err := d.ReadAllPage(ctx, streamstore.PositionStart, 100, streamstore.ReadForward, true)
	require.NoError(t, err)
	for _, m := range all.Messages {
		assert.NotEqual(t, batch[1].ID, m.MessageID)
	}

	// Tombstoned.
	page, err = d.ReadStreamPage(ctx, streamstore.DeletedStreamID, streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, streamstore.MessageDeletedMessageType, page.Messages[0].Type)

	// Unknown ids are a no-op.
	err = d.DeleteMessage(ctx, "s1", uuid.New())
	require.NoError(t, err)
}

func testListStreams(t *testing.T, d streamstore.Driver) {
	ctx := context.Background()

	for _, id := range []string{"orders-1", "orders-2", "orders-3", "billing-1"} {
		_, err := d.AppendToStream(ctx, id, streamstore.ExpectedVersionNoStream, msgs(t, 1))
		require.NoError(t, err)
	}

	page, err := d.ListStreams(ctx, streamstore.PatternStartingWith("orders-"), 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-1", "orders-2"}, page.StreamIDs)
	require.NotEmpty(t, page.ContinuationToken)

	page, err = d.ListStreams(ctx, streamstore.PatternStartingWith("orders-"), 2, page.ContinuationToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-3"}, page.StreamIDs)
	assert.Empty(t, page.ContinuationToken)

	page, err = d.ListStreams(ctx, streamstore.PatternEndingWith("-1"), 10, "")
	require.NoError(t, err)
	assert.Contains(t, page.StreamIDs, "orders-1")
	assert.Contains(t, page.StreamIDs, "billing-1")
	assert.NotContains(t, page.StreamIDs, "orders-2")
}

func testClose(t *testing.T, d streamstore.Driver) {
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.AppendToStream(context.Background(), "s1", streamstore.ExpectedVersionAny, msgs(t, 1))
	assert.Error(t, err)
}

// Clock is a hand-advanced clock backends can plug into their stores for
// timestamp-sensitive tests.
type Clock struct {
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }
