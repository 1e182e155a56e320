package streamstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowmesh/streamstore/internal/maxage"
)

// ReadOnlyStore is the read side of the storage engine. It layers argument
// validation, expiry filtering, lazy pagination and change notification over
// a backend Driver.
//
// Callers must Close the store when done; failing to do so leaks backend
// resources such as database connections.
type ReadOnlyStore struct {
	driver   Driver
	settings Settings
	log      zerolog.Logger
	metrics  *Metrics
	cache    *maxage.Cache

	// purge receives expired messages discovered during reads. Set by the
	// writable Store; nil on purely read-only stores.
	purge func(StreamMessage)

	closed atomic.Bool

	mu       sync.Mutex
	notifier *PollingNotifier
}

// NewReadOnly creates a read-only store over the driver. Zero-value settings
// fields take their documented defaults.
func NewReadOnly(driver Driver, settings Settings) (*ReadOnlyStore, error) {
	if driver == nil {
		return nil, InvalidArgumentError{Name: "driver", Reason: "must not be nil"}
	}
	settings = settings.withDefaults()
	s := &ReadOnlyStore{
		driver:   driver,
		settings: settings,
		log:      *settings.Logger,
		metrics:  settings.Metrics,
	}
	if !settings.DisableMetadataCache {
		s.cache = maxage.New(maxage.Config{
			Fetch:    s.fetchMaxAge,
			TTL:      settings.MetadataCacheTTL,
			MaxSize:  settings.MetadataCacheSize,
			Now:      settings.Now,
			OnLookup: s.metrics.RecordMetadataCacheLookup,
		})
	}
	return s, nil
}

func (s *ReadOnlyStore) guard() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// ReadStreamForwards reads a stream from fromVersion towards the end, paging
// maxCount messages at a time. The returned result is a lazy, forward-only
// sequence; iteration never exceeds the stream version captured when the
// first page was read, even if more messages arrive concurrently.
func (s *ReadOnlyStore) ReadStreamForwards(
	ctx context.Context,
	streamID string,
	fromVersion int,
	maxCount int,
	prefetch bool,
) (*StreamReadResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return nil, err
	}
	if fromVersion < 0 {
		return nil, InvalidArgumentError{Name: "fromVersion", Reason: "must not be negative"}
	}
	if maxCount < 1 {
		return nil, InvalidArgumentError{Name: "maxCount", Reason: "must be at least 1"}
	}
	return s.readStream(ctx, streamID, fromVersion, maxCount, ReadForward, prefetch)
}

// ReadStreamBackwards reads a stream from fromVersion towards the start.
// Pass VersionEnd to start at the stream's current last version.
func (s *ReadOnlyStore) ReadStreamBackwards(
	ctx context.Context,
	streamID string,
	fromVersion int,
	maxCount int,
	prefetch bool,
) (*StreamReadResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return nil, err
	}
	if fromVersion < VersionEnd {
		return nil, InvalidArgumentError{Name: "fromVersion", Reason: "must be a version or VersionEnd"}
	}
	if maxCount < 1 {
		return nil, InvalidArgumentError{Name: "maxCount", Reason: "must be at least 1"}
	}
	return s.readStream(ctx, streamID, fromVersion, maxCount, ReadBackward, prefetch)
}

func (s *ReadOnlyStore) readStream(
	ctx context.Context,
	streamID string,
	fromVersion int,
	maxCount int,
	direction ReadDirection,
	prefetch bool,
) (*StreamReadResult, error) {
	s.log.Debug().
		Str("stream", streamID).
		Int("from_version", fromVersion).
		Int("max_count", maxCount).
		Stringer("direction", direction).
		Msg("read stream")
	s.metrics.RecordRead("stream")

	ctx, span := startSpan(ctx, "streamstore.read_stream",
		attribute.String(attrStream, streamID),
		attribute.Int(attrFromVersion, fromVersion),
		attribute.Int(attrMaxCount, maxCount),
		attribute.String(attrDirection, direction.String()),
	)
	page, err := s.readStreamPage(ctx, streamID, fromVersion, maxCount, direction, prefetch)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	if page.Status == ReadStatusStreamNotFound {
		return &StreamReadResult{
			Status:            ReadStatusStreamNotFound,
			LastStreamVersion: VersionEnd,
		}, nil
	}
	return &StreamReadResult{
		Status:            ReadStatusSuccess,
		LastStreamVersion: page.LastStreamVersion,
		cursor: &streamCursor{
			store:     s,
			streamID:  streamID,
			direction: direction,
			prefetch:  prefetch,
			maxCount:  maxCount,
			bound:     page.LastStreamVersion,
			page:      page,
		},
	}, nil
}

// readStreamPage fetches one driver page and applies expiry filtering; it is
// the continuation operation the stream cursor drives pagination through.
func (s *ReadOnlyStore) readStreamPage(
	ctx context.Context,
	streamID string,
	fromVersion int,
	maxCount int,
	direction ReadDirection,
	prefetch bool,
) (ReadStreamPage, error) {
	if err := s.guard(); err != nil {
		return ReadStreamPage{}, err
	}
	page, err := s.driver.ReadStreamPage(ctx, streamID, fromVersion, maxCount, direction, prefetch)
	if err != nil {
		return ReadStreamPage{}, err
	}
	page.Messages, err = s.filterExpired(ctx, page.Messages)
	if err != nil {
		return ReadStreamPage{}, err
	}
	return page, nil
}

// ReadAllForwards reads the global log from fromPosition towards the head.
// Unlike stream reads there is no snapshot ceiling: the log is conceptually
// append-only and the sequence simply ends at the current head.
func (s *ReadOnlyStore) ReadAllForwards(
	ctx context.Context,
	fromPosition int64,
	pageSize int,
	prefetch bool,
) (*AllReadResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if fromPosition < 0 {
		return nil, InvalidArgumentError{Name: "fromPosition", Reason: "must not be negative"}
	}
	if pageSize < 1 {
		return nil, InvalidArgumentError{Name: "pageSize", Reason: "must be at least 1"}
	}
	return s.readAll(ctx, fromPosition, pageSize, ReadForward, prefetch)
}

// ReadAllBackwards reads the global log from fromPosition towards the start.
// Pass PositionEnd to start at the current head.
func (s *ReadOnlyStore) ReadAllBackwards(
	ctx context.Context,
	fromPosition int64,
	pageSize int,
	prefetch bool,
) (*AllReadResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if fromPosition < PositionEnd {
		return nil, InvalidArgumentError{Name: "fromPosition", Reason: "must be a position or PositionEnd"}
	}
	if pageSize < 1 {
		return nil, InvalidArgumentError{Name: "pageSize", Reason: "must be at least 1"}
	}
	return s.readAll(ctx, fromPosition, pageSize, ReadBackward, prefetch)
}

func (s *ReadOnlyStore) readAll(
	ctx context.Context,
	fromPosition int64,
	pageSize int,
	direction ReadDirection,
	prefetch bool,
) (*AllReadResult, error) {
	s.log.Debug().
		Int64("from_position", fromPosition).
		Int("page_size", pageSize).
		Stringer("direction", direction).
		Msg("read all")
	s.metrics.RecordRead("all")

	ctx, span := startSpan(ctx, "streamstore.read_all",
		attribute.Int64(attrFromPosition, fromPosition),
		attribute.Int(attrMaxCount, pageSize),
		attribute.String(attrDirection, direction.String()),
	)
	page, err := s.readAllPage(ctx, fromPosition, pageSize, direction, prefetch)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &AllReadResult{
		FromPosition: fromPosition,
		cursor: &allCursor{
			store:     s,
			direction: direction,
			prefetch:  prefetch,
			pageSize:  pageSize,
			page:      page,
		},
	}, nil
}

func (s *ReadOnlyStore) readAllPage(
	ctx context.Context,
	fromPosition int64,
	pageSize int,
	direction ReadDirection,
	prefetch bool,
) (ReadAllPage, error) {
	if err := s.guard(); err != nil {
		return ReadAllPage{}, err
	}
	page, err := s.driver.ReadAllPage(ctx, fromPosition, pageSize, direction, prefetch)
	if err != nil {
		return ReadAllPage{}, err
	}
	page.Messages, err = s.filterExpired(ctx, page.Messages)
	if err != nil {
		return ReadAllPage{}, err
	}
	return page, nil
}

// filterExpired drops messages whose owning stream's max-age has elapsed and
// reports them as purge candidates. System-stream messages bypass filtering;
// with the metadata cache disabled everything passes through.
func (s *ReadOnlyStore) filterExpired(ctx context.Context, messages []StreamMessage) ([]StreamMessage, error) {
	if s.cache == nil || len(messages) == 0 {
		return messages, nil
	}
	now := s.settings.Now()
	valid := make([]StreamMessage, 0, len(messages))
	expired := 0
	for _, m := range messages {
		if IsSystemStream(m.StreamID) {
			valid = append(valid, m)
			continue
		}
		maxAge, ok, err := s.cache.MaxAge(ctx, m.StreamID)
		if err != nil {
			return nil, err
		}
		if !ok || maxAge <= 0 {
			valid = append(valid, m)
			continue
		}
		if m.CreatedUTC.Add(time.Duration(maxAge) * time.Second).After(now) {
			valid = append(valid, m)
			continue
		}
		expired++
		if s.purge != nil {
			s.purge(m)
		}
	}
	s.metrics.RecordExpired(expired)
	return valid, nil
}

func (s *ReadOnlyStore) fetchMaxAge(ctx context.Context, streamID string) (int, bool, error) {
	meta, err := s.driver.GetStreamMetadata(ctx, streamID)
	if err != nil {
		return 0, false, err
	}
	if meta.MaxAge == nil {
		return 0, false, nil
	}
	return *meta.MaxAge, true, nil
}

// GetStreamMetadata returns the stream's retention policy. A stream with no
// metadata stream yields MetadataStreamVersion == VersionEnd.
func (s *ReadOnlyStore) GetStreamMetadata(ctx context.Context, streamID string) (StreamMetadataResult, error) {
	if err := s.guard(); err != nil {
		return StreamMetadataResult{}, err
	}
	if err := validateStreamID("streamId", streamID); err != nil {
		return StreamMetadataResult{}, err
	}
	if IsSystemStream(streamID) && streamID != DeletedStreamID {
		return StreamMetadataResult{}, InvalidArgumentError{Name: "streamId", Reason: "must not start with $"}
	}
	s.log.Debug().Str("stream", streamID).Msg("get stream metadata")
	return s.driver.GetStreamMetadata(ctx, streamID)
}

// ReadHeadPosition returns the highest position ever assigned in the global
// log, or PositionEnd when nothing has been written.
func (s *ReadOnlyStore) ReadHeadPosition(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.driver.ReadHeadPosition(ctx)
}

// ListStreams returns a page of stream ids matching the pattern. Pass the
// returned continuation token to resume; an empty token means done.
func (s *ReadOnlyStore) ListStreams(
	ctx context.Context,
	pattern Pattern,
	maxCount int,
	continuationToken string,
) (ListStreamsPage, error) {
	if err := s.guard(); err != nil {
		return ListStreamsPage{}, err
	}
	if maxCount < 1 {
		return ListStreamsPage{}, InvalidArgumentError{Name: "maxCount", Reason: "must be at least 1"}
	}
	s.log.Debug().Stringer("pattern", pattern).Int("max_count", maxCount).Msg("list streams")
	return s.driver.ListStreams(ctx, pattern, maxCount, continuationToken)
}

// changeSignal subscribes to the store's shared change notifier, creating it
// on first use. All subscriptions of one store share a single polling loop.
func (s *ReadOnlyStore) changeSignal() (<-chan struct{}, func(), error) {
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	// Re-check under the mutex: a Close racing this call must not observe a
	// freshly created notifier it can no longer stop.
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, nil, ErrStoreClosed
	}
	if s.notifier == nil {
		s.notifier = NewPollingNotifier(
			s.pollHead,
			s.settings.NotifierInterval,
			s.log.With().Str("worker", "notifier").Logger(),
		)
	}
	n := s.notifier
	s.mu.Unlock()
	ch, cancel := n.Subscribe()
	return ch, cancel, nil
}

func (s *ReadOnlyStore) pollHead(ctx context.Context) (int64, error) {
	pos, err := s.driver.ReadHeadPosition(ctx)
	if err != nil {
		s.metrics.RecordNotifierPoll("error")
		return 0, err
	}
	s.metrics.RecordNotifierPoll("ok")
	return pos, nil
}

// Close stops the notifier and releases the backend. Idempotent; all
// subsequent operations fail with ErrStoreClosed.
func (s *ReadOnlyStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	n := s.notifier
	s.notifier = nil
	s.mu.Unlock()
	if n != nil {
		_ = n.Close()
	}
	return s.driver.Close()
}
