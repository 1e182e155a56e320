package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// ReadStreamPage implements streamstore.Driver. With prefetch disabled the
// returned messages re-read their record on demand; a record that has been
// scavenged in the meantime yields an error from JSONData.
func (s *Store) ReadStreamPage(
	ctx context.Context,
	streamID string,
	fromVersion int,
	maxCount int,
	direction streamstore.ReadDirection,
	prefetch bool,
) (streamstore.ReadStreamPage, error) {
	if err := ctx.Err(); err != nil {
		return streamstore.ReadStreamPage{}, err
	}
	if err := s.guard(); err != nil {
		return streamstore.ReadStreamPage{}, err
	}

	meta, exists, err := s.getStreamMeta(s.db, streamID)
	if err != nil {
		return streamstore.ReadStreamPage{}, err
	}
	if !exists {
		next := fromVersion
		if direction == streamstore.ReadBackward {
			next = streamstore.VersionEnd
		}
		return streamstore.ReadStreamPage{
			StreamID:           streamID,
			Status:             streamstore.ReadStatusStreamNotFound,
			FromStreamVersion:  fromVersion,
			NextStreamVersion:  next,
			LastStreamVersion:  streamstore.VersionEnd,
			LastStreamPosition: streamstore.PositionEnd,
			Direction:          direction,
			IsEnd:              true,
		}, nil
	}

	prefix := keyStreamEntryPrefix(streamID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return streamstore.ReadStreamPage{}, streamstore.BackendError{Op: "read stream", Err: err}
	}
	defer iter.Close()

	var (
		msgs    []streamstore.StreamMessage
		hasMore bool
	)
	if direction == streamstore.ReadForward {
		msgs, hasMore, err = s.collectForward(iter, streamID, fromVersion, maxCount, prefetch)
	} else {
		from := fromVersion
		if from == streamstore.VersionEnd {
			from = meta.LastVersion
		}
		msgs, hasMore, err = s.collectBackward(iter, streamID, from, maxCount, prefetch)
	}
	if err != nil {
		return streamstore.ReadStreamPage{}, err
	}

	next := streamstore.VersionEnd
	if direction == streamstore.ReadForward {
		next = meta.LastVersion + 1
		if len(msgs) > 0 {
			next = msgs[len(msgs)-1].StreamVersion + 1
		}
	} else if hasMore && len(msgs) > 0 {
		next = msgs[len(msgs)-1].StreamVersion - 1
	}

	return streamstore.ReadStreamPage{
		StreamID:           streamID,
		Status:             streamstore.ReadStatusSuccess,
		FromStreamVersion:  fromVersion,
		NextStreamVersion:  next,
		LastStreamVersion:  meta.LastVersion,
		LastStreamPosition: meta.LastPosition,
		Direction:          direction,
		IsEnd:              !hasMore,
		Messages:           msgs,
	}, nil
}

func (s *Store) collectForward(
	iter *pebble.Iterator,
	streamID string,
	fromVersion, maxCount int,
	prefetch bool,
) ([]streamstore.StreamMessage, bool, error) {
	msgs := make([]streamstore.StreamMessage, 0, maxCount)
	valid := iter.SeekGE(keyStreamEntry(streamID, fromVersion))
	for ; valid; valid = iter.Next() {
		if len(msgs) == maxCount {
			return msgs, true, nil
		}
		m, err := s.messageFromEntry(streamID, iter, prefetch)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := iter.Error(); err != nil {
		return nil, false, streamstore.BackendError{Op: "read stream", Err: err}
	}
	return msgs, false, nil
}

func (s *Store) collectBackward(
	iter *pebble.Iterator,
	streamID string,
	fromVersion, maxCount int,
	prefetch bool,
) ([]streamstore.StreamMessage, bool, error) {
	msgs := make([]streamstore.StreamMessage, 0, maxCount)
	// Last entry with version <= fromVersion.
	valid := iter.SeekLT(keyStreamEntry(streamID, fromVersion+1))
	for ; valid; valid = iter.Prev() {
		if len(msgs) == maxCount {
			return msgs, true, nil
		}
		m, err := s.messageFromEntry(streamID, iter, prefetch)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := iter.Error(); err != nil {
		return nil, false, streamstore.BackendError{Op: "read stream", Err: err}
	}
	return msgs, false, nil
}

// ReadAllPage implements streamstore.Driver. Global log entries are pointers;
// each one resolves to its stream record, skipping records scavenged between
// the pointer read and the resolve.
func (s *Store) ReadAllPage(
	ctx context.Context,
	fromPosition int64,
	maxCount int,
	direction streamstore.ReadDirection,
	prefetch bool,
) (streamstore.ReadAllPage, error) {
	if err := ctx.Err(); err != nil {
		return streamstore.ReadAllPage{}, err
	}
	if err := s.guard(); err != nil {
		return streamstore.ReadAllPage{}, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: globalKeyPrefix,
		UpperBound: prefixUpperBound(globalKeyPrefix),
	})
	if err != nil {
		return streamstore.ReadAllPage{}, streamstore.BackendError{Op: "read all", Err: err}
	}
	defer iter.Close()

	msgs := make([]streamstore.StreamMessage, 0, maxCount)
	hasMore := false

	advance := iter.Next
	var valid bool
	if direction == streamstore.ReadForward {
		valid = iter.SeekGE(keyGlobalEntry(fromPosition))
	} else {
		advance = iter.Prev
		from := fromPosition
		if from == streamstore.PositionEnd {
			head, err := s.readHead(s.db)
			if err != nil {
				return streamstore.ReadAllPage{}, err
			}
			from = head
		}
		valid = iter.SeekLT(keyGlobalEntry(from + 1))
	}
	for ; valid; valid = advance() {
		if len(msgs) == maxCount {
			hasMore = true
			break
		}
		var ref globalRef
		if err := json.Unmarshal(iter.Value(), &ref); err != nil {
			return streamstore.ReadAllPage{}, streamstore.BackendError{Op: "decode log entry", Err: err}
		}
		rec, found, err := s.getRecord(s.db, ref.StreamID, ref.Version)
		if err != nil {
			return streamstore.ReadAllPage{}, err
		}
		if !found {
			continue
		}
		msgs = append(msgs, s.toStreamMessage(ref.StreamID, ref.Version, rec, prefetch))
	}
	if err := iter.Error(); err != nil {
		return streamstore.ReadAllPage{}, streamstore.BackendError{Op: "read all", Err: err}
	}

	next := fromPosition
	if direction == streamstore.ReadForward {
		if len(msgs) > 0 {
			next = msgs[len(msgs)-1].Position + 1
		}
	} else {
		next = streamstore.PositionEnd
		if hasMore && len(msgs) > 0 {
			next = msgs[len(msgs)-1].Position - 1
		}
	}

	return streamstore.ReadAllPage{
		FromPosition: fromPosition,
		NextPosition: next,
		Direction:    direction,
		IsEnd:        !hasMore,
		Messages:     msgs,
	}, nil
}

func (s *Store) messageFromEntry(streamID string, iter *pebble.Iterator, prefetch bool) (streamstore.StreamMessage, error) {
	var rec record
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return streamstore.StreamMessage{}, streamstore.BackendError{
			Op: "decode message", Err: fmt.Errorf("stream %q: %w", streamID, err),
		}
	}
	return s.toStreamMessage(streamID, entryVersion(iter.Key()), rec, prefetch), nil
}

func (s *Store) toStreamMessage(streamID string, version int, rec record, prefetch bool) streamstore.StreamMessage {
	var getData streamstore.JSONDataFunc
	if prefetch {
		data := rec.JSONData
		getData = func(context.Context) (string, error) { return data, nil }
	} else {
		getData = s.lazyJSONData(streamID, version, rec.MessageID)
	}
	return streamstore.NewPersistedMessage(
		streamID,
		rec.MessageID,
		version,
		rec.Position,
		time.Unix(0, rec.CreatedUTC).UTC(),
		rec.Type,
		rec.JSONMetadata,
		getData,
	)
}

// lazyJSONData defers the payload read until first use. The payload is
// fetched at most once.
func (s *Store) lazyJSONData(streamID string, version int, id uuid.UUID) streamstore.JSONDataFunc {
	var (
		loaded bool
		data   string
	)
	return func(ctx context.Context) (string, error) {
		if loaded {
			return data, nil
		}
		if err := s.guard(); err != nil {
			return "", err
		}
		rec, found, err := s.getRecord(s.db, streamID, version)
		if err != nil {
			return "", err
		}
		if !found || rec.MessageID != id {
			return "", fmt.Errorf("pebblestore: message at version %d in stream %q no longer exists", version, streamID)
		}
		loaded = true
		data = rec.JSONData
		return data, nil
	}
}
