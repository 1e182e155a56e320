package streamstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowmesh/streamstore/internal/taskqueue"
)

// Store is the writable storage engine: a ReadOnlyStore plus append, delete
// and metadata operations, and the background scavenging queue that purges
// expired messages discovered during reads.
type Store struct {
	*ReadOnlyStore

	queue *taskqueue.Queue
}

// New creates a store over the driver. Zero-value settings fields take their
// documented defaults.
func New(driver Driver, settings Settings) (*Store, error) {
	ros, err := NewReadOnly(driver, settings)
	if err != nil {
		return nil, err
	}
	st := &Store{
		ReadOnlyStore: ros,
		queue:         taskqueue.New(),
	}
	ros.purge = st.schedulePurge
	return st, nil
}

// AppendToStream appends messages to a stream under optimistic concurrency
// control. Appending zero messages with a concrete expected version is a
// guaranteed no-op: it short-circuits by reading the head position instead of
// issuing a backend append.
func (st *Store) AppendToStream(
	ctx context.Context,
	streamID string,
	expectedVersion int,
	messages []NewStreamMessage,
) (AppendResult, error) {
	if err := st.guard(); err != nil {
		return AppendResult{}, err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return AppendResult{}, err
	}
	if IsSystemStream(streamID) {
		return AppendResult{}, InvalidArgumentError{Name: "streamId", Reason: "must not start with $"}
	}
	if expectedVersion < ExpectedVersionEmptyStream {
		return AppendResult{}, InvalidArgumentError{Name: "expectedVersion", Reason: "out of range"}
	}
	for _, m := range messages {
		if err := m.validate(); err != nil {
			return AppendResult{}, err
		}
	}

	st.log.Debug().
		Str("stream", streamID).
		Int("expected_version", expectedVersion).
		Int("message_count", len(messages)).
		Msg("append to stream")

	ctx, span := startSpan(ctx, "streamstore.append",
		attribute.String(attrStream, streamID),
		attribute.Int(attrExpectedVersion, expectedVersion),
		attribute.Int(attrMessageCount, len(messages)),
	)

	if len(messages) == 0 && expectedVersion >= 0 {
		// An empty append against a concrete version cannot change anything;
		// report the current head without a backend round trip.
		position, err := st.driver.ReadHeadPosition(ctx)
		endSpan(span, err)
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{CurrentVersion: expectedVersion, CurrentPosition: position}, nil
	}

	result, err := st.driver.AppendToStream(ctx, streamID, expectedVersion, messages)
	endSpan(span, err)
	switch {
	case err == nil:
		st.metrics.RecordAppend("ok", len(messages))
	case errors.As(err, &ConcurrencyError{}):
		st.metrics.RecordAppend("conflict", 0)
	default:
		st.metrics.RecordAppend("error", 0)
	}
	return result, err
}

// DeleteStream deletes a stream and its metadata stream as one logical
// operation, recording a $stream-deleted tombstone in the $deleted stream.
func (st *Store) DeleteStream(ctx context.Context, streamID string, expectedVersion int) error {
	if err := st.guard(); err != nil {
		return err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return err
	}
	if IsSystemStream(streamID) {
		return InvalidArgumentError{Name: "streamId", Reason: "must not start with $"}
	}
	if expectedVersion != ExpectedVersionAny && expectedVersion < 0 {
		return InvalidArgumentError{Name: "expectedVersion", Reason: "must be a version or ExpectedVersionAny"}
	}

	st.log.Debug().
		Str("stream", streamID).
		Int("expected_version", expectedVersion).
		Msg("delete stream")

	ctx, span := startSpan(ctx, "streamstore.delete_stream",
		attribute.String(attrStream, streamID),
		attribute.Int(attrExpectedVersion, expectedVersion),
	)
	err := st.driver.DeleteStream(ctx, streamID, expectedVersion)
	endSpan(span, err)
	return err
}

// DeleteMessage deletes a single message by id, recording a $message-deleted
// tombstone. Deleting an absent message is a no-op.
func (st *Store) DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) error {
	if err := st.guard(); err != nil {
		return err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return err
	}
	if IsSystemStream(streamID) {
		return InvalidArgumentError{Name: "streamId", Reason: "must not start with $"}
	}
	if messageID == uuid.Nil {
		return InvalidArgumentError{Name: "messageId", Reason: "must not be the nil UUID"}
	}

	st.log.Debug().
		Str("stream", streamID).
		Str("message_id", messageID.String()).
		Msg("delete message")
	return st.driver.DeleteMessage(ctx, streamID, messageID)
}

// SetStreamMetadata replaces the stream's retention policy under optimistic
// concurrency control on the metadata stream. maxCount is applied
// retroactively: the backend trims the stream to the most recent maxCount
// messages as part of the same operation. maxAge is enforced lazily at read
// time.
func (st *Store) SetStreamMetadata(
	ctx context.Context,
	streamID string,
	expectedMetadataVersion int,
	maxAge, maxCount *int,
	metadataJSON string,
) error {
	if err := st.guard(); err != nil {
		return err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return err
	}
	if IsSystemStream(streamID) && streamID != DeletedStreamID {
		return InvalidArgumentError{Name: "streamId", Reason: "must not start with $"}
	}
	if expectedMetadataVersion < ExpectedVersionAny {
		return InvalidArgumentError{Name: "expectedMetadataVersion", Reason: "out of range"}
	}
	if maxAge != nil && *maxAge < 1 {
		return InvalidArgumentError{Name: "maxAge", Reason: "must be at least 1"}
	}
	if maxCount != nil && *maxCount < 1 {
		return InvalidArgumentError{Name: "maxCount", Reason: "must be at least 1"}
	}

	st.log.Debug().
		Str("stream", streamID).
		Int("expected_metadata_version", expectedMetadataVersion).
		Msg("set stream metadata")

	ctx, span := startSpan(ctx, "streamstore.set_metadata",
		attribute.String(attrStream, streamID),
		attribute.Int(attrExpectedVersion, expectedMetadataVersion),
	)
	err := st.driver.SetStreamMetadata(ctx, streamID, expectedMetadataVersion, maxAge, maxCount, metadataJSON)
	endSpan(span, err)
	return err
}

// schedulePurge queues best-effort deletion of an expired message discovered
// during a read, keeping the read path non-blocking. A failed purge is logged
// and retried the next time the same message is encountered on a read.
func (st *Store) schedulePurge(m StreamMessage) {
	st.metrics.RecordPurgeScheduled()
	st.queue.Enqueue(func(ctx context.Context) error {
		err := st.driver.DeleteMessage(ctx, m.StreamID, m.MessageID)
		if err != nil {
			st.metrics.RecordPurgeFailure()
			st.log.Warn().Err(err).
				Str("stream", m.StreamID).
				Str("message_id", m.MessageID.String()).
				Msg("expired message purge failed, will retry on a later read")
		}
		return err
	})
}

// Close cancels not-yet-started purges, then closes the read side and the
// backend. Idempotent.
func (st *Store) Close() error {
	st.queue.Close()
	return st.ReadOnlyStore.Close()
}
