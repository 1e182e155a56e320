package maxage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetch records per-stream fetch counts and serves fixed values.
type countingFetch struct {
	calls  map[string]int
	values map[string]int
}

func newCountingFetch(values map[string]int) *countingFetch {
	return &countingFetch{calls: make(map[string]int), values: values}
}

func (f *countingFetch) fetch(_ context.Context, streamID string) (int, bool, error) {
	f.calls[streamID]++
	v, ok := f.values[streamID]
	return v, ok, nil
}

func TestCache_FetchesOncePerTTLWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fetch := newCountingFetch(map[string]int{"orders-1": 30})
	c := New(Config{
		Fetch:   fetch.fetch,
		TTL:     time.Minute,
		MaxSize: 10,
		Now:     func() time.Time { return now },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		maxAge, ok, err := c.MaxAge(ctx, "orders-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 30, maxAge)
	}
	assert.Equal(t, 1, fetch.calls["orders-1"])

	// Past the TTL the value is fetched again.
	now = now.Add(2 * time.Minute)
	_, _, err := c.MaxAge(ctx, "orders-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetch.calls["orders-1"])
}

func TestCache_CachesNegativeResults(t *testing.T) {
	fetch := newCountingFetch(map[string]int{})
	c := New(Config{Fetch: fetch.fetch, TTL: time.Minute, MaxSize: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok, err := c.MaxAge(ctx, "no-policy")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, fetch.calls["no-policy"])
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	fetch := newCountingFetch(map[string]int{"a": 1, "b": 2, "c": 3})
	c := New(Config{Fetch: fetch.fetch, TTL: time.Hour, MaxSize: 2})
	ctx := context.Background()

	_, _, err := c.MaxAge(ctx, "a")
	require.NoError(t, err)
	_, _, err = c.MaxAge(ctx, "b")
	require.NoError(t, err)

	// Touch a so b becomes the eviction candidate.
	_, _, err = c.MaxAge(ctx, "a")
	require.NoError(t, err)

	_, _, err = c.MaxAge(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, _, err = c.MaxAge(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, fetch.calls["a"])

	_, _, err = c.MaxAge(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, fetch.calls["b"])
}

func TestCache_FetchErrorsAreNotCached(t *testing.T) {
	boom := errors.New("backend down")
	failures := 0
	c := New(Config{
		Fetch: func(context.Context, string) (int, bool, error) {
			failures++
			if failures == 1 {
				return 0, false, boom
			}
			return 30, true, nil
		},
		TTL:     time.Minute,
		MaxSize: 10,
	})
	ctx := context.Background()

	_, _, err := c.MaxAge(ctx, "orders-1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	maxAge, ok, err := c.MaxAge(ctx, "orders-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30, maxAge)
}

func TestCache_ReportsLookupOutcomes(t *testing.T) {
	fetch := newCountingFetch(map[string]int{"orders-1": 30})
	var hits, misses int
	c := New(Config{
		Fetch:   fetch.fetch,
		TTL:     time.Minute,
		MaxSize: 10,
		OnLookup: func(hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		},
	})
	ctx := context.Background()

	_, _, err := c.MaxAge(ctx, "orders-1")
	require.NoError(t, err)
	_, _, err = c.MaxAge(ctx, "orders-1")
	require.NoError(t, err)

	assert.Equal(t, 1, misses)
	assert.Equal(t, 1, hits)
}
