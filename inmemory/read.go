package inmemory

import (
	"context"
	"sort"

	"github.com/flowmesh/streamstore"
)

// ReadStreamPage implements streamstore.Driver. In-memory data is already
// resident so the prefetch flag is ignored; pages always carry their
// payloads.
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return streamstore.ReadStreamPage{}, errClosed
	}

	st := s.streamLocked(streamID)
	if st == nil {
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
			Messages:           nil,
		}, nil
	}

	if direction == streamstore.ReadForward {
		return s.readStreamForwardLocked(st, fromVersion, maxCount), nil
	}
	return s.readStreamBackwardLocked(st, fromVersion, maxCount), nil
}

func (s *Store) readStreamForwardLocked(st *stream, fromVersion, maxCount int) streamstore.ReadStreamPage {
	idx := sort.Search(len(st.messages), func(i int) bool {
		return st.messages[i].version >= fromVersion
	})
	end := idx + maxCount
	if end > len(st.messages) {
		end = len(st.messages)
	}
	page := st.messages[idx:end]

	next := st.lastVersion + 1
	if len(page) > 0 {
		next = page[len(page)-1].version + 1
	}
	return streamstore.ReadStreamPage{
		StreamID:           st.id,
		Status:             streamstore.ReadStatusSuccess,
		FromStreamVersion:  fromVersion,
		NextStreamVersion:  next,
		LastStreamVersion:  st.lastVersion,
		LastStreamPosition: st.lastPosition,
		Direction:          streamstore.ReadForward,
		IsEnd:              end >= len(st.messages),
		Messages:           s.toStreamMessages(page),
	}
}

func (s *Store) readStreamBackwardLocked(st *stream, fromVersion, maxCount int) streamstore.ReadStreamPage {
	from := fromVersion
	if from == streamstore.VersionEnd {
		from = st.lastVersion
	}
	// One past the newest message with version <= from.
	hi := sort.Search(len(st.messages), func(i int) bool {
		return st.messages[i].version > from
	})
	lo := hi - maxCount
	if lo < 0 {
		lo = 0
	}
	asc := st.messages[lo:hi]

	page := make([]*message, len(asc))
	for i, m := range asc {
		page[len(asc)-1-i] = m
	}
	next := streamstore.VersionEnd
	if lo > 0 {
		next = asc[0].version - 1
	}
	return streamstore.ReadStreamPage{
		StreamID:           st.id,
		Status:             streamstore.ReadStatusSuccess,
		FromStreamVersion:  fromVersion,
		NextStreamVersion:  next,
		LastStreamVersion:  st.lastVersion,
		LastStreamPosition: st.lastPosition,
		Direction:          streamstore.ReadBackward,
		IsEnd:              lo == 0,
		Messages:           s.toStreamMessages(page),
	}
}

// ReadAllPage implements streamstore.Driver.
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return streamstore.ReadAllPage{}, errClosed
	}

	if direction == streamstore.ReadForward {
		return s.readAllForwardLocked(fromPosition, maxCount), nil
	}
	return s.readAllBackwardLocked(fromPosition, maxCount), nil
}

func (s *Store) readAllForwardLocked(fromPosition int64, maxCount int) streamstore.ReadAllPage {
	idx := sort.Search(len(s.all), func(i int) bool {
		return s.all[i].position >= fromPosition
	})
	end := idx + maxCount
	if end > len(s.all) {
		end = len(s.all)
	}
	page := s.all[idx:end]

	next := fromPosition
	if len(page) > 0 {
		next = page[len(page)-1].position + 1
	}
	return streamstore.ReadAllPage{
		FromPosition: fromPosition,
		NextPosition: next,
		Direction:    streamstore.ReadForward,
		IsEnd:        end >= len(s.all),
		Messages:     s.toStreamMessages(page),
	}
}

func (s *Store) readAllBackwardLocked(fromPosition int64, maxCount int) streamstore.ReadAllPage {
	from := fromPosition
	if from == streamstore.PositionEnd {
		from = s.head
	}
	hi := sort.Search(len(s.all), func(i int) bool {
		return s.all[i].position > from
	})
	lo := hi - maxCount
	if lo < 0 {
		lo = 0
	}
	asc := s.all[lo:hi]

	page := make([]*message, len(asc))
	for i, m := range asc {
		page[len(asc)-1-i] = m
	}
	next := streamstore.PositionEnd
	if lo > 0 {
		next = asc[0].position - 1
	}
	return streamstore.ReadAllPage{
		FromPosition: fromPosition,
		NextPosition: next,
		Direction:    streamstore.ReadBackward,
		IsEnd:        lo == 0,
		Messages:     s.toStreamMessages(page),
	}
}

func (s *Store) toStreamMessages(page []*message) []streamstore.StreamMessage {
	out := make([]streamstore.StreamMessage, len(page))
	for i, m := range page {
		data := m.jsonData
		out[i] = streamstore.NewPersistedMessage(
			m.streamID,
			m.id,
			m.version,
			m.position,
			m.createdUTC,
			m.msgType,
			m.jsonMetadata,
			func(context.Context) (string, error) { return data, nil },
		)
	}
	return out
}
