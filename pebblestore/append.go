package pebblestore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// AppendToStream implements streamstore.Driver.
func (s *Store) AppendToStream(
	ctx context.Context,
	streamID string,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return streamstore.AppendResult{}, err
	}
	if err := s.guard(); err != nil {
		return streamstore.AppendResult{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Indexed so the trim pass reads its own staged writes.
	b := s.db.NewIndexedBatch()
	defer b.Close()

	res, err := s.appendToBatch(b, streamID, expectedVersion, messages)
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	if !streamstore.IsSystemStream(streamID) {
		if err := s.trimToBatch(b, streamID); err != nil {
			return streamstore.AppendResult{}, err
		}
	}
	if err := b.Commit(s.writeOpts()); err != nil {
		return streamstore.AppendResult{}, streamstore.BackendError{Op: "commit append", Err: err}
	}
	return res, nil
}

// appendToBatch stages one append, including the idempotency rules for
// replayed writes. Tombstone and metadata writes reuse it so every write
// path shares the same concurrency control.
func (s *Store) appendToBatch(
	b *pebble.Batch,
	streamID string,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	meta, exists, err := s.getStreamMeta(b, streamID)
	if err != nil {
		return streamstore.AppendResult{}, err
	}

	switch {
	case expectedVersion >= streamstore.VersionStart:
		if !exists || meta.LastVersion < expectedVersion {
			return streamstore.AppendResult{}, streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
		if meta.LastVersion > expectedVersion {
			return s.checkIdempotent(b, streamID, meta, expectedVersion, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionNoStream:
		if exists {
			return s.checkIdempotent(b, streamID, meta, streamstore.VersionEnd, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionEmptyStream:
		if !exists {
			return streamstore.AppendResult{}, streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
		if meta.LastVersion != streamstore.VersionEnd {
			return s.checkIdempotent(b, streamID, meta, streamstore.VersionEnd, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionAny:
		if exists {
			res, done, err := s.checkIdempotentAny(b, streamID, meta, messages)
			if done {
				return res, err
			}
		}
	default:
		return streamstore.AppendResult{}, streamstore.InvalidArgumentError{
			Name: "expectedVersion", Reason: "unknown expected version",
		}
	}

	return s.stageMessages(b, streamID, meta, messages)
}

// stageMessages writes the batch entries: one record per message, the by-id
// index, the global log pointer, the stream meta and the head counter.
func (s *Store) stageMessages(
	b *pebble.Batch,
	streamID string,
	meta streamMeta,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	head, err := s.readHead(b)
	if err != nil {
		return streamstore.AppendResult{}, err
	}

	now := s.now().UnixNano()
	for _, nm := range messages {
		meta.LastVersion++
		head++
		meta.LastPosition = head

		rec := record{
			MessageID:    nm.ID,
			Position:     head,
			CreatedUTC:   now,
			Type:         nm.Type,
			JSONData:     nm.JSONData,
			JSONMetadata: nm.JSONMetadata,
		}
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return streamstore.AppendResult{}, streamstore.BackendError{Op: "encode message", Err: err}
		}
		refJSON, err := json.Marshal(globalRef{StreamID: streamID, Version: meta.LastVersion})
		if err != nil {
			return streamstore.AppendResult{}, streamstore.BackendError{Op: "encode log entry", Err: err}
		}

		b.Set(keyStreamEntry(streamID, meta.LastVersion), recJSON, nil)
		b.Set(keyStreamMessageID(streamID, nm.ID), appendBE8(nil, uint64(meta.LastVersion)), nil)
		b.Set(keyGlobalEntry(head), refJSON, nil)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return streamstore.AppendResult{}, streamstore.BackendError{Op: "encode stream meta", Err: err}
	}
	b.Set(keyStreamMeta(streamID), metaJSON, nil)
	b.Set(keyCatalog(streamID), nil, nil)
	b.Set(keyHead, appendBE8(nil, uint64(head)), nil)

	return streamstore.AppendResult{
		CurrentVersion:  meta.LastVersion,
		CurrentPosition: meta.LastPosition,
	}, nil
}

// checkIdempotent handles a replayed append against a concrete baseline: the
// batch must exactly match, in order, the message ids already stored after
// afterVersion. A full match is a no-op; any divergence is a conflict.
func (s *Store) checkIdempotent(
	r reader,
	streamID string,
	meta streamMeta,
	afterVersion int,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	conflict := streamstore.ConcurrencyError{StreamID: streamID, ExpectedVersion: expectedVersion}

	stored, err := s.messageIDsAfter(r, streamID, afterVersion, len(messages))
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	if len(stored) < len(messages) {
		return streamstore.AppendResult{}, conflict
	}
	for i, nm := range messages {
		if stored[i] != nm.ID {
			return streamstore.AppendResult{}, conflict
		}
	}
	return streamstore.AppendResult{
		CurrentVersion:  meta.LastVersion,
		CurrentPosition: meta.LastPosition,
	}, nil
}

// checkIdempotentAny mirrors checkIdempotent for ExpectedVersion.Any, where
// the baseline is wherever the first incoming id already sits in the stream.
func (s *Store) checkIdempotentAny(
	r reader,
	streamID string,
	meta streamMeta,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, bool, error) {
	if len(messages) == 0 {
		return streamstore.AppendResult{
			CurrentVersion:  meta.LastVersion,
			CurrentPosition: meta.LastPosition,
		}, true, nil
	}
	conflict := streamstore.ConcurrencyError{
		StreamID: streamID, ExpectedVersion: streamstore.ExpectedVersionAny,
	}

	firstVersion, found, err := s.versionByMessageID(r, streamID, messages[0].ID)
	if err != nil {
		return streamstore.AppendResult{}, true, err
	}
	if !found {
		for _, nm := range messages[1:] {
			if _, present, err := s.versionByMessageID(r, streamID, nm.ID); err != nil {
				return streamstore.AppendResult{}, true, err
			} else if present {
				return streamstore.AppendResult{}, true, conflict
			}
		}
		return streamstore.AppendResult{}, false, nil
	}

	res, err := s.checkIdempotent(r, streamID, meta, firstVersion-1, streamstore.ExpectedVersionAny, messages)
	return res, true, err
}

func (s *Store) versionByMessageID(r reader, streamID string, id uuid.UUID) (int, bool, error) {
	v, closer, err := r.Get(keyStreamMessageID(streamID, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, streamstore.BackendError{Op: "check message id", Err: err}
	}
	defer closer.Close()
	return entryVersion(v), true, nil
}

// messageIDsAfter returns up to limit message ids with version > afterVersion
// in ascending version order.
func (s *Store) messageIDsAfter(r reader, streamID string, afterVersion, limit int) ([]uuid.UUID, error) {
	prefix := keyStreamEntryPrefix(streamID)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: keyStreamEntry(streamID, afterVersion+1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, streamstore.BackendError{Op: "read message ids", Err: err}
	}
	defer iter.Close()

	ids := make([]uuid.UUID, 0, limit)
	for valid := iter.First(); valid && len(ids) < limit; valid = iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, streamstore.BackendError{Op: "decode message", Err: err}
		}
		ids = append(ids, rec.MessageID)
	}
	if err := iter.Error(); err != nil {
		return nil, streamstore.BackendError{Op: "read message ids", Err: err}
	}
	return ids, nil
}

// trimToBatch stages deletion of the oldest messages of a data stream beyond
// its max-count metadata, if any. Reading through the indexed batch makes the
// just-staged appends count against the limit.
func (s *Store) trimToBatch(b *pebble.Batch, streamID string) error {
	maxCount, ok, err := s.maxCount(b, streamID)
	if err != nil || !ok {
		return err
	}

	prefix := keyStreamEntryPrefix(streamID)
	iter, err := b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return streamstore.BackendError{Op: "trim stream", Err: err}
	}
	defer iter.Close()

	live := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		live++
	}
	if err := iter.Error(); err != nil {
		return streamstore.BackendError{Op: "trim stream", Err: err}
	}
	excess := live - maxCount
	if excess <= 0 {
		return nil
	}

	trimmed := 0
	for valid := iter.First(); valid && trimmed < excess; valid = iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return streamstore.BackendError{Op: "trim stream", Err: err}
		}
		b.Delete(append([]byte{}, iter.Key()...), nil)
		b.Delete(keyGlobalEntry(rec.Position), nil)
		b.Delete(keyStreamMessageID(streamID, rec.MessageID), nil)
		trimmed++
	}
	if err := iter.Error(); err != nil {
		return streamstore.BackendError{Op: "trim stream", Err: err}
	}
	if trimmed > 0 {
		s.log.Debug().
			Str("stream", streamID).
			Int("trimmed", trimmed).
			Int("max_count", maxCount).
			Msg("trimmed stream to max count")
	}
	return nil
}
