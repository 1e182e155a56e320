// Package pebblestore implements the streamstore driver on Pebble. Messages
// live in a per-stream keyspace ordered by version, with a global log
// keyspace pointing back at them by position. A single mutex serializes
// writers; each write commits as one Pebble batch so the expected-version
// check and the inserts are atomic.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/logger"
)

var errClosed = errors.New("pebblestore: store is closed")

// record is the stored form of one message.
type record struct {
	MessageID    uuid.UUID `json:"id"`
	Position     int64     `json:"pos"`
	CreatedUTC   int64     `json:"created"`
	Type         string    `json:"type"`
	JSONData     string    `json:"data"`
	JSONMetadata string    `json:"meta,omitempty"`
}

// streamMeta is the stored form of a stream's bookkeeping row.
type streamMeta struct {
	LastVersion  int   `json:"lastVersion"`
	LastPosition int64 `json:"lastPosition"`
}

// globalRef is the stored form of a global log pointer.
type globalRef struct {
	StreamID string `json:"stream"`
	Version  int    `json:"version"`
}

// Store is a Pebble-backed implementation of streamstore.Driver.
type Store struct {
	db      *pebble.DB
	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
	sync    bool
	log     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for message creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithoutSync disables WAL fsync on commit. Faster, and fine for tests or
// stores that can be rebuilt.
func WithoutSync() Option {
	return func(s *Store) { s.sync = false }
}

// Open opens or creates the store in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}
	s := &Store{
		db:   db,
		now:  func() time.Time { return time.Now().UTC() },
		sync: true,
		log:  logger.WithComponent("pebblestore"),
	}
	for _, o := range opts {
		o(s)
	}
	s.log.Debug().Str("dir", dir).Msg("opened store")
	return s, nil
}

// Close implements streamstore.Driver.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// ReadHeadPosition implements streamstore.Driver. The head counter is
// monotonic: deletes never lower it.
func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.readHead(s.db)
}

// reader is the read surface shared by *pebble.DB and *pebble.Batch, so the
// append path can read through its own uncommitted indexed batch.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func (s *Store) readHead(r reader) (int64, error) {
	v, closer, err := r.Get(keyHead)
	if errors.Is(err, pebble.ErrNotFound) {
		return streamstore.PositionEnd, nil
	}
	if err != nil {
		return 0, streamstore.BackendError{Op: "read head", Err: err}
	}
	defer closer.Close()
	return int64(binary.BigEndian.Uint64(v)), nil
}

// getStreamMeta loads a stream's bookkeeping row, reporting existence.
func (s *Store) getStreamMeta(r reader, streamID string) (streamMeta, bool, error) {
	v, closer, err := r.Get(keyStreamMeta(streamID))
	if errors.Is(err, pebble.ErrNotFound) {
		return streamMeta{
			LastVersion:  streamstore.VersionEnd,
			LastPosition: streamstore.PositionEnd,
		}, false, nil
	}
	if err != nil {
		return streamMeta{}, false, streamstore.BackendError{Op: "get stream", Err: err}
	}
	defer closer.Close()

	var meta streamMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return streamMeta{}, false, streamstore.BackendError{
			Op: "decode stream meta", Err: fmt.Errorf("stream %q: %w", streamID, err),
		}
	}
	return meta, true, nil
}

// getRecord loads one message record by stream and version.
func (s *Store) getRecord(r reader, streamID string, version int) (record, bool, error) {
	v, closer, err := r.Get(keyStreamEntry(streamID, version))
	if errors.Is(err, pebble.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, streamstore.BackendError{Op: "get message", Err: err}
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return record{}, false, streamstore.BackendError{
			Op: "decode message", Err: fmt.Errorf("stream %q version %d: %w", streamID, version, err),
		}
	}
	return rec, true, nil
}

// ListStreams implements streamstore.Driver. The catalog keyspace keeps raw
// ids in lexicographic order, so pagination is keyset on the id itself and
// the continuation token is the last id of the previous page.
func (s *Store) ListStreams(
	ctx context.Context,
	pattern streamstore.Pattern,
	maxCount int,
	continuationToken string,
) (streamstore.ListStreamsPage, error) {
	if err := ctx.Err(); err != nil {
		return streamstore.ListStreamsPage{}, err
	}
	if err := s.guard(); err != nil {
		return streamstore.ListStreamsPage{}, err
	}

	lower := catalogPrefix
	if continuationToken != "" {
		// First key strictly after the token.
		lower = append(keyCatalog(continuationToken), 0)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(catalogPrefix),
	})
	if err != nil {
		return streamstore.ListStreamsPage{}, streamstore.BackendError{Op: "list streams", Err: err}
	}
	defer iter.Close()

	ids := make([]string, 0, maxCount)
	more := false
	for valid := iter.First(); valid; valid = iter.Next() {
		id := string(iter.Key()[len(catalogPrefix):])
		if !pattern.Match(id) {
			continue
		}
		if len(ids) == maxCount {
			more = true
			break
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return streamstore.ListStreamsPage{}, streamstore.BackendError{Op: "list streams", Err: err}
	}

	page := streamstore.ListStreamsPage{StreamIDs: ids}
	if more {
		page.ContinuationToken = ids[len(ids)-1]
	}
	return page, nil
}
