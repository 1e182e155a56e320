package sqlitestore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// DeleteStream implements streamstore.Driver. The stream, its metadata
// stream and the $stream-deleted tombstone commit as one transaction.
func (s *Store) DeleteStream(ctx context.Context, streamID string, expectedVersion int) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := getStream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		if expectedVersion >= streamstore.VersionStart {
			if !st.exists || st.lastVersion != expectedVersion {
				return streamstore.ConcurrencyError{
					StreamID: streamID, ExpectedVersion: expectedVersion,
				}
			}
		}

		if err := dropStream(ctx, tx, streamID); err != nil {
			return err
		}
		if err := dropStream(ctx, tx, streamstore.MetadataStreamID(streamID)); err != nil {
			return err
		}
		if !st.exists {
			return nil
		}

		_, err = s.appendInTx(ctx, tx,
			streamstore.DeletedStreamID,
			streamstore.ExpectedVersionAny,
			[]streamstore.NewStreamMessage{streamstore.StreamDeletedMessage(streamID)},
		)
		if err != nil {
			return err
		}
		s.log.Debug().Str("stream", streamID).Msg("deleted stream")
		return nil
	})
}

// DeleteMessage implements streamstore.Driver. Deleting an absent message
// is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE stream_id = ? AND message_id = ?`,
			streamID, messageID.String(),
		)
		if err != nil {
			return streamstore.BackendError{Op: "delete message", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return streamstore.BackendError{Op: "delete message", Err: err}
		}
		if n == 0 {
			return nil
		}

		_, err = s.appendInTx(ctx, tx,
			streamstore.DeletedStreamID,
			streamstore.ExpectedVersionAny,
			[]streamstore.NewStreamMessage{streamstore.MessageDeletedMessage(streamID, messageID)},
		)
		return err
	})
}

func dropStream(ctx context.Context, tx *sql.Tx, streamID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE stream_id = ?`, streamID); err != nil {
		return streamstore.BackendError{Op: "delete stream messages", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id = ?`, streamID); err != nil {
		return streamstore.BackendError{Op: "delete stream", Err: err}
	}
	return nil
}
