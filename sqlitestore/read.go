package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// ReadStreamPage implements streamstore.Driver. With prefetch disabled the
// returned messages re-query their payload on demand; a payload that has
// been scavenged in the meantime yields an error from JSONData.
func (s *Store) ReadStreamPage(
	ctx context.Context,
	streamID string,
	fromVersion int,
	maxCount int,
	direction streamstore.ReadDirection,
	prefetch bool,
) (streamstore.ReadStreamPage, error) {
	if err := s.guard(); err != nil {
		return streamstore.ReadStreamPage{}, err
	}

	st, err := getStream(ctx, s.db, streamID)
	if err != nil {
		return streamstore.ReadStreamPage{}, err
	}
	if !st.exists {
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

	var (
		query string
		from  = fromVersion
	)
	if direction == streamstore.ReadForward {
		query = `SELECT position, stream_version, message_id, created_utc, type, json_data, json_metadata
		         FROM messages WHERE stream_id = ? AND stream_version >= ?
		         ORDER BY stream_version LIMIT ?`
	} else {
		if from == streamstore.VersionEnd {
			from = st.lastVersion
		}
		query = `SELECT position, stream_version, message_id, created_utc, type, json_data, json_metadata
		         FROM messages WHERE stream_id = ? AND stream_version <= ?
		         ORDER BY stream_version DESC LIMIT ?`
	}

	msgs, hasMore, err := s.queryMessages(ctx, query, streamID, from, maxCount, prefetch)
	if err != nil {
		return streamstore.ReadStreamPage{}, err
	}

	next := streamstore.VersionEnd
	if direction == streamstore.ReadForward {
		next = st.lastVersion + 1
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
		LastStreamVersion:  st.lastVersion,
		LastStreamPosition: st.lastPosition,
		Direction:          direction,
		IsEnd:              !hasMore,
		Messages:           msgs,
	}, nil
}

// ReadAllPage implements streamstore.Driver.
func (s *Store) ReadAllPage(
	ctx context.Context,
	fromPosition int64,
	maxCount int,
	direction streamstore.ReadDirection,
	prefetch bool,
) (streamstore.ReadAllPage, error) {
	if err := s.guard(); err != nil {
		return streamstore.ReadAllPage{}, err
	}

	var (
		query string
		from  = fromPosition
	)
	if direction == streamstore.ReadForward {
		query = `SELECT position, stream_version, message_id, created_utc, type, json_data, json_metadata, stream_id
		         FROM messages WHERE position >= ?
		         ORDER BY position LIMIT ?`
	} else {
		if from == streamstore.PositionEnd {
			head, err := s.ReadHeadPosition(ctx)
			if err != nil {
				return streamstore.ReadAllPage{}, err
			}
			from = head
		}
		query = `SELECT position, stream_version, message_id, created_utc, type, json_data, json_metadata, stream_id
		         FROM messages WHERE position <= ?
		         ORDER BY position DESC LIMIT ?`
	}

	msgs, hasMore, err := s.queryAllMessages(ctx, query, from, maxCount, prefetch)
	if err != nil {
		return streamstore.ReadAllPage{}, err
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

func (s *Store) queryMessages(
	ctx context.Context,
	query string,
	streamID string,
	from int,
	maxCount int,
	prefetch bool,
) ([]streamstore.StreamMessage, bool, error) {
	rows, err := s.db.QueryContext(ctx, query, streamID, from, maxCount+1)
	if err != nil {
		return nil, false, streamstore.BackendError{Op: "read stream", Err: err}
	}
	defer rows.Close()

	msgs := make([]streamstore.StreamMessage, 0, maxCount)
	n := 0
	for rows.Next() {
		n++
		if n > maxCount {
			continue
		}
		m, err := s.scanMessage(rows, streamID, prefetch)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, streamstore.BackendError{Op: "read stream", Err: err}
	}
	return msgs, n > maxCount, nil
}

func (s *Store) queryAllMessages(
	ctx context.Context,
	query string,
	from int64,
	maxCount int,
	prefetch bool,
) ([]streamstore.StreamMessage, bool, error) {
	rows, err := s.db.QueryContext(ctx, query, from, maxCount+1)
	if err != nil {
		return nil, false, streamstore.BackendError{Op: "read all", Err: err}
	}
	defer rows.Close()

	msgs := make([]streamstore.StreamMessage, 0, maxCount)
	n := 0
	for rows.Next() {
		n++
		if n > maxCount {
			continue
		}
		var (
			position   int64
			version    int
			rawID      string
			createdUTC int64
			msgType    string
			jsonData   string
			jsonMeta   string
			streamID   string
		)
		if err := rows.Scan(&position, &version, &rawID, &createdUTC, &msgType, &jsonData, &jsonMeta, &streamID); err != nil {
			return nil, false, streamstore.BackendError{Op: "read all", Err: err}
		}
		m, err := s.buildMessage(streamID, rawID, version, position, createdUTC, msgType, jsonData, jsonMeta, prefetch)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, streamstore.BackendError{Op: "read all", Err: err}
	}
	return msgs, n > maxCount, nil
}

func (s *Store) scanMessage(rows *sql.Rows, streamID string, prefetch bool) (streamstore.StreamMessage, error) {
	var (
		position   int64
		version    int
		rawID      string
		createdUTC int64
		msgType    string
		jsonData   string
		jsonMeta   string
	)
	if err := rows.Scan(&position, &version, &rawID, &createdUTC, &msgType, &jsonData, &jsonMeta); err != nil {
		return streamstore.StreamMessage{}, streamstore.BackendError{Op: "scan message", Err: err}
	}
	return s.buildMessage(streamID, rawID, version, position, createdUTC, msgType, jsonData, jsonMeta, prefetch)
}

func (s *Store) buildMessage(
	streamID, rawID string,
	version int,
	position int64,
	createdUTC int64,
	msgType, jsonData, jsonMeta string,
	prefetch bool,
) (streamstore.StreamMessage, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return streamstore.StreamMessage{}, streamstore.BackendError{
			Op: "parse message id", Err: fmt.Errorf("stream %q: %w", streamID, err),
		}
	}

	var getData streamstore.JSONDataFunc
	if prefetch {
		data := jsonData
		getData = func(context.Context) (string, error) { return data, nil }
	} else {
		getData = s.lazyJSONData(streamID, rawID)
	}

	return streamstore.NewPersistedMessage(
		streamID,
		id,
		version,
		position,
		time.Unix(0, createdUTC).UTC(),
		msgType,
		jsonMeta,
		getData,
	), nil
}

// lazyJSONData defers the payload read until first use. The payload is
// fetched at most once.
func (s *Store) lazyJSONData(streamID, rawID string) streamstore.JSONDataFunc {
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
		err := s.db.QueryRowContext(ctx,
			`SELECT json_data FROM messages WHERE stream_id = ? AND message_id = ?`,
			streamID, rawID,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("sqlitestore: message %s in stream %q no longer exists", rawID, streamID)
		}
		if err != nil {
			return "", streamstore.BackendError{Op: "read payload", Err: err}
		}
		loaded = true
		return data, nil
	}
}
