package inmemory

import (
	"context"

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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return streamstore.AppendResult{}, errClosed
	}

	res, err := s.appendLocked(streamID, expectedVersion, messages)
	if err != nil {
		return streamstore.AppendResult{}, err
	}
	if !streamstore.IsSystemStream(streamID) {
		s.trimToMaxCountLocked(streamID)
	}
	return res, nil
}

// appendLocked applies one append, including the idempotency rules for
// replayed writes. Callers hold the write lock.
func (s *Store) appendLocked(
	streamID string,
	expectedVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	st := s.streamLocked(streamID)

	switch {
	case expectedVersion >= streamstore.VersionStart:
		if st == nil || st.lastVersion < expectedVersion {
			return streamstore.AppendResult{}, streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
		if st.lastVersion > expectedVersion {
			return s.checkIdempotentLocked(st, expectedVersion, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionNoStream:
		if st != nil {
			return s.checkIdempotentLocked(st, streamstore.VersionEnd, messages)
		}
		st = newStream(streamID)
		s.streams[streamID] = st
	case expectedVersion == streamstore.ExpectedVersionEmptyStream:
		if st == nil {
			return streamstore.AppendResult{}, streamstore.ConcurrencyError{
				StreamID: streamID, ExpectedVersion: expectedVersion,
			}
		}
		if len(st.messages) > 0 || st.lastVersion != streamstore.VersionEnd {
			return s.checkIdempotentLocked(st, streamstore.VersionEnd, messages)
		}
	case expectedVersion == streamstore.ExpectedVersionAny:
		if st == nil {
			st = newStream(streamID)
			s.streams[streamID] = st
		} else if res, done, err := s.checkIdempotentAnyLocked(st, messages); done {
			return res, err
		}
	default:
		return streamstore.AppendResult{}, streamstore.InvalidArgumentError{
			Name: "expectedVersion", Reason: "unknown expected version",
		}
	}

	now := s.now()
	for _, nm := range messages {
		st.lastVersion++
		s.head++
		m := &message{
			id:           nm.ID,
			streamID:     streamID,
			version:      st.lastVersion,
			position:     s.head,
			createdUTC:   now,
			msgType:      nm.Type,
			jsonData:     nm.JSONData,
			jsonMetadata: nm.JSONMetadata,
		}
		st.messages = append(st.messages, m)
		st.byID[m.id] = m
		st.lastPosition = m.position
		s.all = append(s.all, m)
	}
	return streamstore.AppendResult{
		CurrentVersion:  st.lastVersion,
		CurrentPosition: st.lastPosition,
	}, nil
}

// checkIdempotentLocked handles a replayed append against a concrete
// baseline: the incoming batch must exactly match, in order, the messages
// already stored after afterVersion. A full match is a no-op; any
// divergence or truncation is a wrong-version conflict.
func (s *Store) checkIdempotentLocked(
	st *stream,
	afterVersion int,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, error) {
	conflict := streamstore.ConcurrencyError{StreamID: st.id, ExpectedVersion: afterVersion}

	stored := st.messagesAfter(afterVersion)
	if len(stored) < len(messages) {
		return streamstore.AppendResult{}, conflict
	}
	for i, nm := range messages {
		if stored[i].id != nm.ID {
			return streamstore.AppendResult{}, conflict
		}
	}
	return streamstore.AppendResult{
		CurrentVersion:  st.lastVersion,
		CurrentPosition: st.lastPosition,
	}, nil
}

// checkIdempotentAnyLocked handles ExpectedVersion.Any against a stream that
// already exists. If none of the incoming ids are present the append goes
// ahead (done=false). If the first id is present and the whole batch matches
// consecutively from there it is a replay and a no-op; any partial overlap
// is a conflict.
func (s *Store) checkIdempotentAnyLocked(
	st *stream,
	messages []streamstore.NewStreamMessage,
) (streamstore.AppendResult, bool, error) {
	if len(messages) == 0 {
		return streamstore.AppendResult{
			CurrentVersion:  st.lastVersion,
			CurrentPosition: st.lastPosition,
		}, true, nil
	}
	conflict := streamstore.ConcurrencyError{
		StreamID: st.id, ExpectedVersion: streamstore.ExpectedVersionAny,
	}

	first, ok := st.byID[messages[0].ID]
	if !ok {
		for _, nm := range messages[1:] {
			if _, present := st.byID[nm.ID]; present {
				return streamstore.AppendResult{}, true, conflict
			}
		}
		return streamstore.AppendResult{}, false, nil
	}

	stored := st.messagesAfter(first.version - 1)
	if len(stored) < len(messages) {
		return streamstore.AppendResult{}, true, conflict
	}
	for i, nm := range messages {
		if stored[i].id != nm.ID {
			return streamstore.AppendResult{}, true, conflict
		}
	}
	return streamstore.AppendResult{
		CurrentVersion:  st.lastVersion,
		CurrentPosition: st.lastPosition,
	}, true, nil
}

// messagesAfter returns the live messages with version > afterVersion, in
// ascending version order.
func (st *stream) messagesAfter(afterVersion int) []*message {
	for i, m := range st.messages {
		if m.version > afterVersion {
			return st.messages[i:]
		}
	}
	return nil
}

// trimToMaxCountLocked drops the oldest messages of a data stream until it
// fits the stream's max-count metadata, if any. Callers hold the write lock.
func (s *Store) trimToMaxCountLocked(streamID string) {
	maxCount, ok := s.maxCountLocked(streamID)
	if !ok {
		return
	}
	st := s.streamLocked(streamID)
	if st == nil {
		return
	}
	trimmed := 0
	for len(st.messages) > maxCount {
		st.removeMessage(s, st.messages[0])
		trimmed++
	}
	if trimmed > 0 {
		s.log.Debug().
			Str("stream", streamID).
			Int("trimmed", trimmed).
			Int("max_count", maxCount).
			Msg("trimmed stream to max count")
	}
}
