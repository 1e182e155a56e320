package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/drivertest"
	"github.com/flowmesh/streamstore/sqlitestore"
)

func TestDriverConformance(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) streamstore.Driver {
		s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "streams.db"))
		require.NoError(t, err)
		return s
	})
}

func TestReopen_KeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.db")
	ctx := context.Background()

	s, err := sqlitestore.Open(path)
	require.NoError(t, err)
	msg, err := streamstore.NewJSONMessage("event", `{"n":1}`)
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, []streamstore.NewStreamMessage{msg})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlitestore.Open(path)
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

func TestLazyPayload_LoadsOnDemand(t *testing.T) {
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	msg, err := streamstore.NewJSONMessage("event", `{"big":true}`)
	require.NoError(t, err)
	_, err = s.AppendToStream(ctx, "s1", streamstore.ExpectedVersionNoStream, []streamstore.NewStreamMessage{msg})
	require.NoError(t, err)

	page, err := s.ReadStreamPage(ctx, "s1", streamstore.VersionStart, 10, streamstore.ReadForward, false)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)

	data, err := page.Messages[0].JSONData(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"big":true}`, data)

	// A second access serves the cached copy.
	data, err = page.Messages[0].JSONData(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"big":true}`, data)
}

func TestLazyPayload_DeletedMessageErrors(t *testing.T) {
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
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

func TestListStreams_EscapesLikeWildcards(t *testing.T) {
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	for _, id := range []string{"a_b", "axb", "a%b"} {
		msg, err := streamstore.NewJSONMessage("event", `{}`)
		require.NoError(t, err)
		_, err = s.AppendToStream(ctx, id, streamstore.ExpectedVersionNoStream, []streamstore.NewStreamMessage{msg})
		require.NoError(t, err)
	}

	// Underscore and percent are literals in patterns, not wildcards.
	page, err := s.ListStreams(ctx, streamstore.PatternStartingWith("a_"), 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, page.StreamIDs)

	page, err = s.ListStreams(ctx, streamstore.PatternStartingWith("a%"), 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a%b"}, page.StreamIDs)
}
