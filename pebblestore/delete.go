package pebblestore

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// DeleteStream implements streamstore.Driver. The stream, its metadata
// stream and the $stream-deleted tombstone commit as one batch.
func (s *Store) DeleteStream(ctx context.Context, streamID string, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.guard(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	meta, exists, err := s.getStreamMeta(s.db, streamID)
	if err != nil {
		return err
	}
	if expectedVersion >= streamstore.VersionStart {
		if !exists || meta.LastVersion != expectedVersion {
			return streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
	}

	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := s.dropStreamToBatch(b, streamID); err != nil {
		return err
	}
	if err := s.dropStreamToBatch(b, streamstore.MetadataStreamID(streamID)); err != nil {
		return err
	}
	if exists {
		_, err = s.appendToBatch(b,
			streamstore.DeletedStreamID,
			streamstore.ExpectedVersionAny,
			[]streamstore.NewStreamMessage{streamstore.StreamDeletedMessage(streamID)},
		)
		if err != nil {
			return err
		}
	}
	if err := b.Commit(s.writeOpts()); err != nil {
		return streamstore.BackendError{Op: "commit delete", Err: err}
	}
	if exists {
		s.log.Debug().Str("stream", streamID).Msg("deleted stream")
	}
	return nil
}

// DeleteMessage implements streamstore.Driver. Deleting an absent message
// is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.guard(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	version, found, err := s.versionByMessageID(s.db, streamID, messageID)
	if err != nil || !found {
		return err
	}
	rec, found, err := s.getRecord(s.db, streamID, version)
	if err != nil || !found {
		return err
	}

	b := s.db.NewIndexedBatch()
	defer b.Close()

	b.Delete(keyStreamEntry(streamID, version), nil)
	b.Delete(keyStreamMessageID(streamID, messageID), nil)
	b.Delete(keyGlobalEntry(rec.Position), nil)

	_, err = s.appendToBatch(b,
		streamstore.DeletedStreamID,
		streamstore.ExpectedVersionAny,
		[]streamstore.NewStreamMessage{streamstore.MessageDeletedMessage(streamID, messageID)},
	)
	if err != nil {
		return err
	}
	if err := b.Commit(s.writeOpts()); err != nil {
		return streamstore.BackendError{Op: "commit delete", Err: err}
	}
	return nil
}

// dropStreamToBatch stages removal of every key belonging to a stream: its
// entries, their global log pointers, the id index, the meta row and the
// catalog entry.
func (s *Store) dropStreamToBatch(b *pebble.Batch, streamID string) error {
	prefix := keyStreamEntryPrefix(streamID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return streamstore.BackendError{Op: "delete stream", Err: err}
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return streamstore.BackendError{Op: "delete stream", Err: err}
		}
		b.Delete(append([]byte{}, iter.Key()...), nil)
		b.Delete(keyGlobalEntry(rec.Position), nil)
		b.Delete(keyStreamMessageID(streamID, rec.MessageID), nil)
	}
	if err := iter.Error(); err != nil {
		return streamstore.BackendError{Op: "delete stream", Err: err}
	}

	b.Delete(keyStreamMeta(streamID), nil)
	b.Delete(keyCatalog(streamID), nil)
	return nil
}
