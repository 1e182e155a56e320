// Package maxage caches per-stream max-age retention values so that expiry
// filtering costs one metadata fetch per stream per TTL window instead of
// one per page read.
package maxage

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// FetchFunc retrieves the authoritative max-age for a stream. ok is false
// when the stream has no max-age policy; that negative result is cached too.
type FetchFunc func(ctx context.Context, streamID string) (maxAge int, ok bool, err error)

// Config configures a Cache.
type Config struct {
	// Fetch retrieves the authoritative value on miss or expiry. Required.
	Fetch FetchFunc
	// TTL bounds entry lifetime independent of LRU pressure.
	TTL time.Duration
	// MaxSize bounds total entry count; least-recently-used entries are
	// evicted on overflow.
	MaxSize int
	// Now supplies the clock; defaults to time.Now.
	Now func() time.Time
	// OnLookup, if set, observes each lookup with whether it hit the cache.
	OnLookup func(hit bool)
}

type entry struct {
	streamID string
	maxAge   int
	ok       bool
	expires  time.Time
}

// Cache is a bounded, TTL-expiring map from stream id to max-age. Safe for
// concurrent use.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// MaxAge returns the stream's max-age in seconds and whether one is set,
// consulting the cache first and fetching through on miss or expiry.
func (c *Cache) MaxAge(ctx context.Context, streamID string) (int, bool, error) {
	now := c.cfg.Now()

	c.mu.Lock()
	if el, found := c.entries[streamID]; found {
		e := el.Value.(*entry)
		if now.Before(e.expires) {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			c.observe(true)
			return e.maxAge, e.ok, nil
		}
		c.order.Remove(el)
		delete(c.entries, streamID)
	}
	c.mu.Unlock()
	c.observe(false)

	maxAge, ok, err := c.cfg.Fetch(ctx, streamID)
	if err != nil {
		return 0, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent fetch for the same stream may have raced us; last writer
	// wins, both carry a fresh value.
	if el, found := c.entries[streamID]; found {
		c.order.Remove(el)
		delete(c.entries, streamID)
	}
	el := c.order.PushFront(&entry{
		streamID: streamID,
		maxAge:   maxAge,
		ok:       ok,
		expires:  now.Add(c.cfg.TTL),
	})
	c.entries[streamID] = el
	for c.cfg.MaxSize > 0 && c.order.Len() > c.cfg.MaxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).streamID)
	}
	return maxAge, ok, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) observe(hit bool) {
	if c.cfg.OnLookup != nil {
		c.cfg.OnLookup(hit)
	}
}
