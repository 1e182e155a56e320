// Package sqlitestore implements the streamstore driver on SQLite via
// database/sql and mattn/go-sqlite3. A single file holds the stream catalog,
// the message log and the head counter; appends run in one transaction so
// the expected-version check, the inserts and the head bump are atomic.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/flowmesh/streamstore"
	"github.com/flowmesh/streamstore/logger"
)

var errClosed = errors.New("sqlitestore: store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS streams (
    stream_id     TEXT PRIMARY KEY,
    last_version  INTEGER NOT NULL,
    last_position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    position       INTEGER PRIMARY KEY,
    stream_id      TEXT NOT NULL,
    stream_version INTEGER NOT NULL,
    message_id     TEXT NOT NULL,
    created_utc    INTEGER NOT NULL,
    type           TEXT NOT NULL,
    json_data      TEXT NOT NULL,
    json_metadata  TEXT NOT NULL,
    UNIQUE (stream_id, stream_version),
    UNIQUE (stream_id, message_id)
);

CREATE TABLE IF NOT EXISTS store_head (
    id   INTEGER PRIMARY KEY CHECK (id = 0),
    head INTEGER NOT NULL
);
INSERT OR IGNORE INTO store_head (id, head) VALUES (0, -1);
`

// Store is a SQLite-backed implementation of streamstore.Driver.
type Store struct {
	db *sql.DB
	// writeMu serializes writers above the driver. SQLite allows only one
	// writer at a time; taking the lock here turns busy errors into queueing.
	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for message creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store at path. The parent directory is created
// if needed.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}

	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
		log: logger.WithComponent("sqlitestore"),
	}
	for _, o := range opts {
		o(s)
	}
	s.log.Debug().Str("path", path).Msg("opened store")
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

// guard returns errClosed once Close has been called.
func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// ReadHeadPosition implements streamstore.Driver. The head counter is
// monotonic: deletes never lower it, so pollers always observe appends,
// tombstones included.
func (s *Store) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var head int64
	err := s.db.QueryRowContext(ctx, `SELECT head FROM store_head WHERE id = 0`).Scan(&head)
	if err != nil {
		return 0, streamstore.BackendError{Op: "read head", Err: err}
	}
	return head, nil
}

// ListStreams implements streamstore.Driver. Pagination is keyset on
// stream_id; the continuation token is the last id of the previous page.
func (s *Store) ListStreams(
	ctx context.Context,
	pattern streamstore.Pattern,
	maxCount int,
	continuationToken string,
) (streamstore.ListStreamsPage, error) {
	if err := s.guard(); err != nil {
		return streamstore.ListStreamsPage{}, err
	}

	query := `SELECT stream_id FROM streams WHERE stream_id > ?`
	args := []any{continuationToken}
	if clause, arg, ok := likeClause(pattern); ok {
		query += ` AND ` + clause
		args = append(args, arg)
	}
	query += ` ORDER BY stream_id LIMIT ?`
	args = append(args, maxCount+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return streamstore.ListStreamsPage{}, streamstore.BackendError{Op: "list streams", Err: err}
	}
	defer rows.Close()

	ids := make([]string, 0, maxCount)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return streamstore.ListStreamsPage{}, streamstore.BackendError{Op: "list streams", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return streamstore.ListStreamsPage{}, streamstore.BackendError{Op: "list streams", Err: err}
	}

	page := streamstore.ListStreamsPage{StreamIDs: ids}
	if len(ids) > maxCount {
		page.StreamIDs = ids[:maxCount]
		page.ContinuationToken = ids[maxCount-1]
	}
	return page, nil
}

// likeClause translates a pattern to a LIKE predicate. Any-patterns need no
// predicate at all.
func likeClause(p streamstore.Pattern) (clause, arg string, ok bool) {
	if prefix, isPrefix := p.Prefix(); isPrefix {
		return `stream_id LIKE ? ESCAPE '\'`, escapeLike(prefix) + "%", true
	}
	if suffix, isSuffix := p.Suffix(); isSuffix {
		return `stream_id LIKE ? ESCAPE '\'`, "%" + escapeLike(suffix), true
	}
	return "", "", false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// streamRow mirrors one row of the streams table.
type streamRow struct {
	lastVersion  int
	lastPosition int64
	exists       bool
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getStream(ctx context.Context, q querier, streamID string) (streamRow, error) {
	var row streamRow
	err := q.QueryRowContext(ctx,
		`SELECT last_version, last_position FROM streams WHERE stream_id = ?`,
		streamID,
	).Scan(&row.lastVersion, &row.lastPosition)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return streamRow{lastVersion: streamstore.VersionEnd, lastPosition: streamstore.PositionEnd}, nil
	case err != nil:
		return streamRow{}, streamstore.BackendError{Op: "get stream", Err: err}
	}
	row.exists = true
	return row, nil
}
