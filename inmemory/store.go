// Package inmemory provides the reference in-memory backend for streamstore.
// It holds all state behind one RWMutex and is intended for tests, examples
// and ephemeral stores; nothing survives process exit.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/logger"
)

var errClosed = errors.New("inmemory: store is closed")

type message struct {
	id           uuid.UUID
	streamID     string
	version      int
	position     int64
	createdUTC   time.Time
	msgType      string
	jsonData     string
	jsonMetadata string
}

type stream struct {
	id           string
	messages     []*message // live messages, ascending version
	byID         map[uuid.UUID]*message
	lastVersion  int
	lastPosition int64
}

func newStream(id string) *stream {
	return &stream{
		id:           id,
		byID:         make(map[uuid.UUID]*message),
		lastVersion:  streamstore.VersionEnd,
		lastPosition: streamstore.PositionEnd,
	}
}

// Store is an in-memory implementation of streamstore.Driver.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*stream
	all     []*message // global log, ascending position
	head    int64
	now     func() time.Time
	closed  bool
	log     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for message creation timestamps. Pair it
// with Settings.Now on the engine when testing max-age behavior.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		streams: make(map[string]*stream),
		head:    streamstore.PositionEnd,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.WithComponent("inmemory"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ReadHeadPosition implements streamstore.Driver.
func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errClosed
	}
	return s.head, nil
}

// ListStreams implements streamstore.Driver. The continuation token is a
// numeric offset into the sorted, pattern-filtered id list.
func (s *Store) ListStreams(
	ctx context.Context,
	pattern streamstore.Pattern,
	maxCount int,
	continuationToken string,
) (streamstore.ListStreamsPage, error) {
	if err := ctx.Err(); err != nil {
		return streamstore.ListStreamsPage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return streamstore.ListStreamsPage{}, errClosed
	}

	offset := 0
	if continuationToken != "" {
		n, err := strconv.Atoi(continuationToken)
		if err != nil || n < 0 {
			return streamstore.ListStreamsPage{}, streamstore.InvalidArgumentError{
				Name: "continuationToken", Reason: "malformed token",
			}
		}
		offset = n
	}

	matched := make([]string, 0, len(s.streams))
	for id := range s.streams {
		if pattern.Match(id) {
			matched = append(matched, id)
		}
	}
	sort.Strings(matched)

	if offset >= len(matched) {
		return streamstore.ListStreamsPage{StreamIDs: []string{}}, nil
	}
	end := offset + maxCount
	if end > len(matched) {
		end = len(matched)
	}
	page := streamstore.ListStreamsPage{StreamIDs: matched[offset:end]}
	if end < len(matched) {
		page.ContinuationToken = strconv.Itoa(end)
	}
	return page, nil
}

// Close implements streamstore.Driver. Further calls on the store fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.streams = nil
	s.all = nil
	return nil
}

// streamLocked returns the live stream, or nil. Callers hold at least the
// read lock.
func (s *Store) streamLocked(streamID string) *stream {
	return s.streams[streamID]
}

// removeFromAllLocked removes one message from the global log. Callers hold
// the write lock.
func (s *Store) removeFromAllLocked(m *message) {
	i := sort.Search(len(s.all), func(i int) bool { return s.all[i].position >= m.position })
	if i < len(s.all) && s.all[i] == m {
		s.all = append(s.all[:i], s.all[i+1:]...)
	}
}

// removeMessageLocked removes one message from its stream and the global
// log. The stream's lastVersion is deliberately left alone: versions are
// never reused. Callers hold the write lock.
func (st *stream) removeMessage(s *Store, m *message) {
	for i, cur := range st.messages {
		if cur == m {
			st.messages = append(st.messages[:i], st.messages[i+1:]...)
			break
		}
	}
	delete(st.byID, m.id)
	s.removeFromAllLocked(m)
}
