package streamstore

import (
	"context"

	"github.com/google/uuid"
)

// Driver is the primitive capability set a physical backend implements. The
// engine layers validation, expiry filtering, pagination, scavenging and
// notifications on top of it; the driver only has to move bytes and enforce
// the expected-version contract atomically.
//
// Positions and stream versions handed out by a driver are monotonic and
// never reused, and a message's position must be assigned before the message
// becomes visible to any read.
type Driver interface {
	// AppendToStream appends messages under the expected-version
	// precondition, returning ConcurrencyError on a mismatch. Appending a
	// message sequence that is already fully present (matched by message id
	// and order) succeeds idempotently without mutating state.
	AppendToStream(ctx context.Context, streamID string, expectedVersion int, messages []NewStreamMessage) (AppendResult, error)

	// ReadStreamPage reads one page of a stream. A missing or deleted stream
	// yields a page with ReadStatusStreamNotFound, not an error. fromVersion
	// may be VersionEnd on backward reads.
	ReadStreamPage(ctx context.Context, streamID string, fromVersion, maxCount int, direction ReadDirection, prefetch bool) (ReadStreamPage, error)

	// ReadAllPage reads one page of the global log. fromPosition may be
	// PositionEnd on backward reads.
	ReadAllPage(ctx context.Context, fromPosition int64, maxCount int, direction ReadDirection, prefetch bool) (ReadAllPage, error)

	// ReadHeadPosition returns the highest position ever assigned in the
	// global log, or PositionEnd when nothing has been written. The head is
	// monotonic: deletions never lower it.
	ReadHeadPosition(ctx context.Context) (int64, error)

	// DeleteStream deletes a stream and its metadata stream as one logical
	// operation, recording a $stream-deleted tombstone when the stream
	// existed. Deleting an absent stream with ExpectedVersionAny is a no-op.
	DeleteStream(ctx context.Context, streamID string, expectedVersion int) error

	// DeleteMessage deletes a single message by id, recording a
	// $message-deleted tombstone when the message existed.
	DeleteMessage(ctx context.Context, streamID string, messageID uuid.UUID) error

	// GetStreamMetadata returns the stream's current retention policy, with
	// MetadataStreamVersion == VersionEnd when no metadata stream exists.
	GetStreamMetadata(ctx context.Context, streamID string) (StreamMetadataResult, error)

	// SetStreamMetadata replaces the stream's retention policy under the
	// expected-version precondition of the metadata stream, and synchronously
	// trims the data stream to maxCount when set.
	SetStreamMetadata(ctx context.Context, streamID string, expectedVersion int, maxAge, maxCount *int, metadataJSON string) error

	// ListStreams returns a page of stream ids matching the pattern. The
	// continuation token is opaque to the engine and round-tripped verbatim.
	ListStreams(ctx context.Context, pattern Pattern, maxCount int, continuationToken string) (ListStreamsPage, error)

	// Close releases backend resources. Further calls on the driver fail.
	Close() error
}
