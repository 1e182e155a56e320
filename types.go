package streamstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Position sentinels for reading the global log.
const (
	// PositionStart is the first position in the global log.
	PositionStart int64 = 0
	// PositionEnd addresses the current end of the global log on backward reads.
	PositionEnd int64 = -1
)

// Stream version sentinels. VersionEnd is direction-scoped: on backward reads
// it addresses the stream's current last version, in results it means the
// stream does not exist or is empty.
const (
	VersionStart = 0
	VersionEnd   = -1
)

// Expected version sentinels for write preconditions.
const (
	// ExpectedVersionNoStream requires that the stream does not yet exist.
	ExpectedVersionNoStream = -1
	// ExpectedVersionAny skips the concurrency check.
	ExpectedVersionAny = -2
	// ExpectedVersionEmptyStream requires the stream to exist with zero messages.
	ExpectedVersionEmptyStream = -3
)

// System stream naming.
const (
	SystemStreamPrefix   = "$"
	MetadataStreamPrefix = "$$"

	// DeletedStreamID is the system stream recording deletion tombstones.
	DeletedStreamID = "$deleted"

	StreamDeletedMessageType  = "$stream-deleted"
	MessageDeletedMessageType = "$message-deleted"
	MetadataMessageType       = "$stream-metadata"
)

// MetadataStreamID derives the metadata stream id for a stream. Metadata
// streams have their own lifecycle independent of the data stream.
func MetadataStreamID(streamID string) string {
	return MetadataStreamPrefix + streamID
}

// IsSystemStream reports whether the stream id is reserved for system use.
func IsSystemStream(streamID string) bool {
	return len(streamID) > 0 && streamID[0] == '$'
}

func validateStreamID(name, streamID string) error {
	if streamID == "" {
		return InvalidArgumentError{Name: name, Reason: "must not be empty"}
	}
	for _, r := range streamID {
		if unicode.IsSpace(r) {
			return InvalidArgumentError{Name: name, Reason: "must not contain whitespace"}
		}
	}
	return nil
}

// ReadDirection selects forward or backward iteration.
type ReadDirection int

const (
	ReadForward ReadDirection = iota
	ReadBackward
)

func (d ReadDirection) String() string {
	if d == ReadBackward {
		return "backward"
	}
	return "forward"
}

// ReadStatus reports the outcome of a stream read. A missing stream is a
// normal outcome, not an error.
type ReadStatus int

const (
	ReadStatusSuccess ReadStatus = iota
	ReadStatusStreamNotFound
)

// NewStreamMessage is a message to be appended to a stream. Instances are
// immutable once constructed; construct via NewMessage or NewJSONMessage.
type NewStreamMessage struct {
	ID           uuid.UUID
	Type         string
	JSONData     string
	JSONMetadata string
}

// NewMessage constructs a NewStreamMessage, failing fast on invalid input.
func NewMessage(id uuid.UUID, msgType, jsonData string, jsonMetadata string) (NewStreamMessage, error) {
	m := NewStreamMessage{ID: id, Type: msgType, JSONData: jsonData, JSONMetadata: jsonMetadata}
	if err := m.validate(); err != nil {
		return NewStreamMessage{}, err
	}
	return m, nil
}

// NewJSONMessage constructs a NewStreamMessage with a generated message id.
func NewJSONMessage(msgType, jsonData string) (NewStreamMessage, error) {
	return NewMessage(uuid.New(), msgType, jsonData, "")
}

func (m NewStreamMessage) validate() error {
	if m.ID == uuid.Nil {
		return InvalidArgumentError{Name: "messageId", Reason: "must not be the nil UUID"}
	}
	if m.Type == "" {
		return InvalidArgumentError{Name: "type", Reason: "must not be empty"}
	}
	if m.JSONData == "" {
		return InvalidArgumentError{Name: "jsonData", Reason: "must not be empty"}
	}
	return nil
}

// JSONDataFunc fetches a message payload on demand. Non-prefetching reads use
// it to defer payload retrieval until the caller actually wants the body.
type JSONDataFunc func(ctx context.Context) (string, error)

// StreamMessage is a persisted message as read back from a backend.
type StreamMessage struct {
	StreamID      string
	MessageID     uuid.UUID
	StreamVersion int
	Position      int64
	CreatedUTC    time.Time
	Type          string
	JSONMetadata  string

	getJSONData JSONDataFunc
}

// NewPersistedMessage assembles a StreamMessage. Backends call this when
// materializing read pages; getJSONData must not be nil.
func NewPersistedMessage(
	streamID string,
	messageID uuid.UUID,
	streamVersion int,
	position int64,
	createdUTC time.Time,
	msgType string,
	jsonMetadata string,
	getJSONData JSONDataFunc,
) StreamMessage {
	return StreamMessage{
		StreamID:      streamID,
		MessageID:     messageID,
		StreamVersion: streamVersion,
		Position:      position,
		CreatedUTC:    createdUTC,
		Type:          msgType,
		JSONMetadata:  jsonMetadata,
		getJSONData:   getJSONData,
	}
}

// JSONData returns the message payload, fetching it from the backend if the
// page was read without prefetch.
func (m StreamMessage) JSONData(ctx context.Context) (string, error) {
	if m.getJSONData == nil {
		return "", fmt.Errorf("streamstore: message %s has no payload accessor", m.MessageID)
	}
	return m.getJSONData(ctx)
}

func (m StreamMessage) String() string {
	return fmt.Sprintf("message %s@%d (id %s, position %d, type %s)",
		m.StreamID, m.StreamVersion, m.MessageID, m.Position, m.Type)
}

// ReadStreamPage is one page of a paginated stream read, produced by a
// backend Driver. The engine drives pagination through NextStreamVersion.
type ReadStreamPage struct {
	StreamID           string
	Status             ReadStatus
	FromStreamVersion  int
	NextStreamVersion  int
	LastStreamVersion  int
	LastStreamPosition int64
	Direction          ReadDirection
	IsEnd              bool
	Messages           []StreamMessage
}

// ReadAllPage is one page of a paginated global-log read.
type ReadAllPage struct {
	FromPosition int64
	NextPosition int64
	Direction    ReadDirection
	IsEnd        bool
	Messages     []StreamMessage
}

// AppendResult reports the stream state after an append.
type AppendResult struct {
	// CurrentVersion is the stream version of the last message in the stream.
	CurrentVersion int
	// CurrentPosition is the global position of the last message in the stream.
	CurrentPosition int64
}

// StreamMetadataResult is a stream's retention policy and raw metadata.
type StreamMetadataResult struct {
	StreamID string
	// MetadataStreamVersion is the version of the metadata stream, or
	// VersionEnd if no metadata stream exists.
	MetadataStreamVersion int
	// MaxAge in seconds; messages older than this are invisible to reads.
	MaxAge *int
	// MaxCount of retained messages; older messages beyond it are scavenged.
	MaxCount *int
	MetadataJSON string
}

// MetadataMessage is the JSON body of a message in a metadata stream. The
// latest message in "$$<streamId>" holds the stream's current policy.
type MetadataMessage struct {
	StreamID string          `json:"streamId"`
	MaxAge   *int            `json:"maxAge,omitempty"`
	MaxCount *int            `json:"maxCount,omitempty"`
	MetaJSON json.RawMessage `json:"metaJson,omitempty"`
}

// EncodeMetadataMessage serializes a retention policy as metadata-stream
// message payload.
func EncodeMetadataMessage(streamID string, maxAge, maxCount *int, metadataJSON string) (string, error) {
	m := MetadataMessage{StreamID: streamID, MaxAge: maxAge, MaxCount: maxCount}
	if metadataJSON != "" {
		m.MetaJSON = json.RawMessage(metadataJSON)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("streamstore: encode metadata for %s: %w", streamID, err)
	}
	return string(b), nil
}

// DecodeMetadataMessage parses a metadata-stream message payload.
func DecodeMetadataMessage(jsonData string) (MetadataMessage, error) {
	var m MetadataMessage
	if err := json.Unmarshal([]byte(jsonData), &m); err != nil {
		return MetadataMessage{}, fmt.Errorf("streamstore: decode metadata: %w", err)
	}
	return m, nil
}

// ListStreamsPage is a page of stream ids plus an opaque continuation token.
// An empty token means the listing is exhausted.
type ListStreamsPage struct {
	StreamIDs         []string
	ContinuationToken string
}

type patternKind int

const (
	patternAny patternKind = iota
	patternPrefix
	patternSuffix
)

// Pattern matches stream ids for ListStreams.
type Pattern struct {
	kind  patternKind
	value string
}

// PatternAny matches every stream id.
func PatternAny() Pattern { return Pattern{kind: patternAny} }

// PatternStartingWith matches stream ids with the given prefix.
func PatternStartingWith(prefix string) Pattern {
	return Pattern{kind: patternPrefix, value: prefix}
}

// PatternEndingWith matches stream ids with the given suffix.
func PatternEndingWith(suffix string) Pattern {
	return Pattern{kind: patternSuffix, value: suffix}
}

// Prefix returns the prefix and true when the pattern is a starting-with
// pattern. SQL backends use it to push matching into the query.
func (p Pattern) Prefix() (string, bool) {
	return p.value, p.kind == patternPrefix
}

// Suffix returns the suffix and true when the pattern is an ending-with
// pattern.
func (p Pattern) Suffix() (string, bool) {
	return p.value, p.kind == patternSuffix
}

// Match reports whether the stream id matches the pattern. Backends use it
// when scanning their stream catalogs.
func (p Pattern) Match(streamID string) bool {
	switch p.kind {
	case patternPrefix:
		return len(streamID) >= len(p.value) && streamID[:len(p.value)] == p.value
	case patternSuffix:
		return len(streamID) >= len(p.value) && streamID[len(streamID)-len(p.value):] == p.value
	default:
		return true
	}
}

func (p Pattern) String() string {
	switch p.kind {
	case patternPrefix:
		return p.value + "*"
	case patternSuffix:
		return "*" + p.value
	default:
		return "*"
	}
}

// StreamDeletedMessage builds the tombstone appended to the $deleted stream
// when a stream is deleted.
func StreamDeletedMessage(streamID string) NewStreamMessage {
	body, _ := json.Marshal(struct {
		StreamID string `json:"streamId"`
	}{StreamID: streamID})
	return NewStreamMessage{
		ID:       uuid.New(),
		Type:     StreamDeletedMessageType,
		JSONData: string(body),
	}
}

// MessageDeletedMessage builds the tombstone appended to the $deleted stream
// when a single message is deleted.
func MessageDeletedMessage(streamID string, messageID uuid.UUID) NewStreamMessage {
	body, _ := json.Marshal(struct {
		StreamID  string `json:"streamId"`
		MessageID string `json:"messageId"`
	}{StreamID: streamID, MessageID: messageID.String()})
	return NewStreamMessage{
		ID:       uuid.New(),
		Type:     MessageDeletedMessageType,
		JSONData: string(body),
	}
}
