package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowmesh/streamstore"
)

// AppendToStream implements streamstore.Driver.
func (s *Store) AppendToStream(
	ctx context.Context,
	streamID string,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	if err := s.guard(); err != nil {
		return streamstore.AppendResult{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res streamstore.AppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.appendInTx(ctx, tx, streamID, expectedVersion, messages)
		if err != nil {
			return err
		}
		if !streamstore.IsSystemStream(streamID) {
			return s.trimInTx(ctx, tx, streamID)
		}
		return nil
	})
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	return res, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return streamstore.BackendError{Op: "begin tx", Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return streamstore.BackendError{Op: "commit tx", Err: err}
	}
	return nil
}

// appendInTx applies one append inside tx, including the idempotency rules
// for replayed writes. Tombstone and metadata writes reuse it so every write
// path shares the same concurrency control.
func (s *Store) appendInTx(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	st, err := getStream(ctx, tx, streamID)
	if err != nil {
		return streamstore.AppendResult{}, err
	}

	switch {
	case expectedVersion >= streamstore.VersionStart:
		if !st.exists || st.lastVersion < expectedVersion {
			return streamstore.AppendResult{}, streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
		if st.lastVersion > expectedVersion {
			return s.checkIdempotent(ctx, tx, streamID, st, expectedVersion, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionNoStream:
		if st.exists {
			return s.checkIdempotent(ctx, tx, streamID, st, streamstore.VersionEnd, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionEmptyStream:
		if !st.exists {
			return streamstore.AppendResult{}, streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
		if st.lastVersion != streamstore.VersionEnd {
			return s.checkIdempotent(ctx, tx, streamID, st, streamstore.VersionEnd, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionAny:
		if st.exists {
			res, done, err := s.checkIdempotentAny(ctx, tx, streamID, st, messages)
			if done {
				return res, err
			}
		}
	default:
		return streamstore.AppendResult{}, streamstore.InvalidArgumentError{
			Name: "expectedVersion", Reason: "unknown expected version",
		}
	}

	return s.insertMessages(ctx, tx, streamID, st, messages)
}

// insertMessages writes the batch, bumps the head counter and upserts the
// stream row.
func (s *Store) insertMessages(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	st streamRow,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT head FROM store_head WHERE id = 0`).Scan(&head); err != nil {
		return streamstore.AppendResult{}, streamstore.BackendError{Op: "read head", Err: err}
	}

	version := st.lastVersion
	position := st.lastPosition
	now := s.now().UnixNano()
	for _, nm := range messages {
		version++
		head++
		position = head
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages
			   (position, stream_id, stream_version, message_id, created_utc, type, json_data, json_metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			head, streamID, version, nm.ID.String(), now, nm.Type, nm.JSONData, nm.JSONMetadata,
		)
		if err != nil {
			return streamstore.AppendResult{}, streamstore.BackendError{Op: "insert message", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE store_head SET head = ? WHERE id = 0`, head); err != nil {
		return streamstore.AppendResult{}, streamstore.BackendError{Op: "update head", Err: err}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO streams (stream_id, last_version, last_position) VALUES (?, ?, ?)
		 ON CONFLICT (stream_id) DO UPDATE SET last_version = ?, last_position = ?`,
		streamID, version, position, version, position,
	)
	if err != nil {
		return streamstore.AppendResult{}, streamstore.BackendError{Op: "upsert stream", Err: err}
	}
	return streamstore.AppendResult{CurrentVersion: version, CurrentPosition: position}, nil
}

// checkIdempotent handles a replayed append against a concrete baseline: the
// batch must exactly match, in order, the message ids already stored after
// afterVersion. A full match is a no-op; any divergence is a conflict.
func (s *Store) checkIdempotent(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	st streamRow,
	afterVersion int,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	conflict := streamstore.ConcurrencyError{StreamID: streamID, ExpectedVersion: expectedVersion}

	stored, err := s.messageIDsAfter(ctx, tx, streamID, afterVersion, len(messages))
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	if len(stored) < len(messages) {
		return streamstore.AppendResult{}, conflict
	}
	for i, nm := range messages {
		if stored[i] != nm.ID.String() {
			return streamstore.AppendResult{}, conflict
		}
	}
	return streamstore.AppendResult{
		CurrentVersion:  st.lastVersion,
		CurrentPosition: st.lastPosition,
	}, nil
}

// checkIdempotentAny mirrors checkIdempotent for ExpectedVersion.Any, where
// the baseline is wherever the first incoming id already sits in the stream.
func (s *Store) checkIdempotentAny(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	st streamRow,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, bool, error) {
	if len(messages) == 0 {
		return streamstore.AppendResult{
			CurrentVersion:  st.lastVersion,
			CurrentPosition: st.lastPosition,
		}, true, nil
	}
	conflict := streamstore.ConcurrencyError{
		StreamID: streamID, ExpectedVersion: streamstore.ExpectedVersionAny,
	}

	var firstVersion int
	err := tx.QueryRowContext(ctx,
		`SELECT stream_version FROM messages WHERE stream_id = ? AND message_id = ?`,
		streamID, messages[0].ID.String(),
	).Scan(&firstVersion)
	if err == sql.ErrNoRows {
		for _, nm := range messages[1:] {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM messages WHERE stream_id = ? AND message_id = ?`,
				streamID, nm.ID.String(),
			).Scan(&n)
			if err != nil {
				return streamstore.AppendResult{}, true, streamstore.BackendError{Op: "check message id", Err: err}
			}
			if n > 0 {
				return streamstore.AppendResult{}, true, conflict
			}
		}
		return streamstore.AppendResult{}, false, nil
	}
	if err != nil {
		return streamstore.AppendResult{}, true, streamstore.BackendError{Op: "check message id", Err: err}
	}

	res, err := s.checkIdempotent(ctx, tx, streamID, st, firstVersion-1, streamstore.ExpectedVersionAny, messages)
	return res, true, err
}

func (s *Store) messageIDsAfter(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	afterVersion int,
	limit int,
) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT message_id FROM messages
		 WHERE stream_id = ? AND stream_version > ?
		 ORDER BY stream_version LIMIT ?`,
		streamID, afterVersion, limit,
	)
	if err != nil {
		return nil, streamstore.BackendError{Op: "read message ids", Err: err}
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, streamstore.BackendError{Op: "read message ids", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, streamstore.BackendError{Op: "read message ids", Err: err}
	}
	return ids, nil
}

// trimInTx drops the oldest messages of a data stream beyond its max-count
// metadata, if any.
func (s *Store) trimInTx(ctx context.Context, tx *sql.Tx, streamID string) error {
	meta, err := s.metadataInTx(ctx, tx, streamID)
	if err != nil {
		return err
	}
	if meta.MaxCount == nil {
		return nil
	}

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE stream_id = ?`, streamID,
	).Scan(&live)
	if err != nil {
		return streamstore.BackendError{Op: "count messages", Err: err}
	}
	excess := live - *meta.MaxCount
	if excess <= 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE stream_id = ? AND position IN (
		   SELECT position FROM messages WHERE stream_id = ?
		   ORDER BY stream_version LIMIT ?)`,
		streamID, streamID, excess,
	)
	if err != nil {
		return streamstore.BackendError{Op: "trim stream", Err: fmt.Errorf("stream %q: %w", streamID, err)}
	}
	s.log.Debug().
		Str("stream", streamID).
		Int("trimmed", excess).
		Int("max_count", *meta.MaxCount).
		Msg("trimmed stream to max count")
	return nil
}
