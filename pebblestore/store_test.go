package pebblestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/drivertest"
	"github.com/flowmesh/streamstore/pebblestore"
)

func open(t *testing.T, dir string) *pebblestore.Store {
	t.Helper()
	s, err := pebblestore.Open(dir, pebblestore.WithoutSync())
	require.NoError(t, err)
	return s
}

func TestDriverConformance(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) streamstore.Driver {
		return open(t, t.TempDir())
	})
}

func TestReopen_KeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := pebblestore.Open(dir)
	require.NoError(t, err)
	msg, err := streamstore.NewJSONMessage("event", `{"n":1}`)
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, []streamstore.NewStreamMessage{msg})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = pebblestore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	head, err := s.ReadHeadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	page, err := s.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].MessageID)
}

func TestLazyPayload_DeletedMessageErrors(t *testing.T) {
	s := open(t, t.TempDir())
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	msg, err := streamstore.NewJSONMessage("event", `{"n":1}`)
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, []streamstore.NewStreamMessage{msg})
	require.NoError(t, err)

	page, err := s.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, false)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)

	require.NoError(t, s.DeleteMessage(ctx, "s1", msg.ID))

	_, err = page.Messages[0].JSONData(ctx)
	assert.Error(t, err)
}

func TestTrimInSameBatchAsAppend(t *testing.T) {
	// The retention pass must see messages staged by the append it rides on,
	// not just committed state.
	s := open(t, t.TempDir())
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	maxCount := 3
	require.NoError(t, s.SetStreamMetadata(ctx, "s1", streamstore.ExpectedVersionNoStream, nil, &maxCount, ""))

	batch := make([]streamstore.NewStreamMessage, 5)
	for i := range batch {
		m, err := streamstore.NewJSONMessage("event", `{}`)
		require.NoError(t, err)
		batch[i] = m
	}
	_, err := s.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, batch)
	require.NoError(t, err)

	page, err := s.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, 2, page.Messages[0].StreamVersion)
	assert.Equal(t, 4, page.Messages[2].StreamVersion)
}
