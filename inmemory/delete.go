package inmemory

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// DeleteStream implements streamstore.Driver. Deleting a stream also drops
// its metadata stream and records a $stream-deleted tombstone. Deleting a
// stream that does not exist is a no-op unless a concrete expected version
// was given.
func (s *Store) DeleteStream(ctx context.Context, streamID string, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	st := s.streamLocked(streamID)
	if expectedVersion >= streamstore.VersionStart {
		if st == nil || st.lastVersion != expectedVersion {
			return streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
	}

	deleted := st != nil
	if st != nil {
		s.dropStreamLocked(st)
	}
	if ms := s.streamLocked(streamstore.MetadataStreamID(streamID)); ms != nil {
		s.dropStreamLocked(ms)
	}
	if !deleted {
		return nil
	}

	_, err := s.appendLocked(
		streamstore.DeletedStreamID,
		streamstore.ExpectedVersionAny,
		[]streamstore.NewStreamMessage{streamstore.StreamDeletedMessage(streamID)},
	)
	if err != nil {
		return err
	}
	s.log.Debug().Str("stream", streamID).Msg("deleted stream")
	return nil
}

// DeleteMessage implements streamstore.Driver. Deleting an absent message
// is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	st := s.streamLocked(streamID)
	if st == nil {
		return nil
	}
	m, ok := st.byID[messageID]
	if !ok {
		return nil
	}
	st.removeMessage(s, m)

	_, err := s.appendLocked(
		streamstore.DeletedStreamID,
		streamstore.ExpectedVersionAny,
		[]streamstore.NewStreamMessage{streamstore.MessageDeletedMessage(streamID, messageID)},
	)
	return err
}

// dropStreamLocked removes every message of a stream from the global log
// and forgets the stream. Callers hold the write lock.
func (s *Store) dropStreamLocked(st *stream) {
	for _, m := range st.messages {
		s.removeFromAllLocked(m)
	}
	delete(s.streams, st.id)
}
