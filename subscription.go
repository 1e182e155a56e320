package streamstore

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// SubscriptionDroppedReason explains why a subscription terminated.
type SubscriptionDroppedReason int

const (
	// DropReasonDisposed: the subscription was stopped or the store closed.
	DropReasonDisposed SubscriptionDroppedReason = iota
	// DropReasonSubscriberError: the message-received handler returned an error.
	DropReasonSubscriberError
	// DropReasonStoreError: a read against the store failed.
	DropReasonStoreError
)

func (r SubscriptionDroppedReason) String() string {
	switch r {
	case DropReasonSubscriberError:
		return "subscriber_error"
	case DropReasonStoreError:
		return "store_error"
	default:
		return "disposed"
	}
}

// MessageReceived handles one delivered message. Returning an error drops
// the subscription with DropReasonSubscriberError.
type MessageReceived func(ctx context.Context, msg StreamMessage) error

// SubscriptionDropped is invoked exactly once when a subscription
// terminates, whether by error or explicit stop.
type SubscriptionDropped func(reason SubscriptionDroppedReason, err error)

// CaughtUp is invoked once when replay reaches the live tail.
type CaughtUp func()

type subscribeOptions struct {
	dropped  SubscriptionDropped
	caughtUp CaughtUp
	prefetch bool
	name     string
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

// WithDroppedHandler registers the dropped callback.
func WithDroppedHandler(h SubscriptionDropped) SubscribeOption {
	return func(o *subscribeOptions) { o.dropped = h }
}

// WithCaughtUpHandler registers the caught-up callback.
func WithCaughtUpHandler(h CaughtUp) SubscribeOption {
	return func(o *subscribeOptions) { o.caughtUp = h }
}

// WithoutPrefetch defers payload retrieval to each message's JSONData call.
func WithoutPrefetch() SubscribeOption {
	return func(o *subscribeOptions) { o.prefetch = false }
}

// WithSubscriptionName labels the subscription in logs.
func WithSubscriptionName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// subscriberFailure marks an error raised by the caller's handler rather
// than by the store.
type subscriberFailure struct{ err error }

func (e subscriberFailure) Error() string { return e.err.Error() }
func (e subscriberFailure) Unwrap() error { return e.err }

// StreamSubscription is a catch-up subscription to one stream: it replays
// from a historical version and then continues delivering newly appended
// messages, driven by the store's coalesced change notifier.
type StreamSubscription struct {
	StreamID string

	store       *ReadOnlyStore
	onMessage   MessageReceived
	opts        subscribeOptions
	log         zerolog.Logger
	nextVersion int

	cancel   context.CancelFunc
	done     chan struct{}
	dropOnce sync.Once
}

// SubscribeToStream starts a catch-up subscription to a stream.
// continueAfterVersion is exclusive: messages with a greater version are
// delivered. Pass nil to replay the stream from the start.
func (s *ReadOnlyStore) SubscribeToStream(
	streamID string,
	continueAfterVersion *int,
	onMessage MessageReceived,
	options ...SubscribeOption,
) (*StreamSubscription, error) {
	if err := validateStreamID("streamId", streamID); err != nil {
		return nil, err
	}
	if onMessage == nil {
		return nil, InvalidArgumentError{Name: "onMessage", Reason: "must not be nil"}
	}
	signal, unsubscribe, err := s.changeSignal()
	if err != nil {
		return nil, err
	}

	opts := subscribeOptions{prefetch: true}
	for _, o := range options {
		o(&opts)
	}
	nextVersion := VersionStart
	if continueAfterVersion != nil {
		nextVersion = *continueAfterVersion + 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &StreamSubscription{
		StreamID:    streamID,
		store:       s,
		onMessage:   onMessage,
		opts:        opts,
		log:         s.log.With().Str("subscription", opts.name).Str("stream", streamID).Logger(),
		nextVersion: nextVersion,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go sub.run(ctx, signal, unsubscribe)
	return sub, nil
}

// Stop terminates the subscription and waits for its delivery loop to exit.
// The dropped handler fires with DropReasonDisposed. Idempotent.
func (sub *StreamSubscription) Stop() {
	sub.cancel()
	<-sub.done
}

func (sub *StreamSubscription) run(ctx context.Context, signal <-chan struct{}, unsubscribe func()) {
	defer close(sub.done)
	defer unsubscribe()

	caughtUp := false
	for {
		if err := sub.catchUp(ctx); err != nil {
			sub.drop(ctx, err)
			return
		}
		if !caughtUp {
			caughtUp = true
			if sub.opts.caughtUp != nil {
				sub.opts.caughtUp()
			}
		}
		select {
		case <-ctx.Done():
			sub.drop(ctx, nil)
			return
		case <-signal:
		}
	}
}

// catchUp drains the stream from nextVersion to its current tail.
func (sub *StreamSubscription) catchUp(ctx context.Context) error {
	for {
		result, err := sub.store.ReadStreamForwards(
			ctx, sub.StreamID, sub.nextVersion, sub.store.settings.SubscriptionPageSize, sub.opts.prefetch)
		if err != nil {
			return err
		}
		if result.Status == ReadStatusStreamNotFound {
			// Not created yet, or deleted; wait for a change signal.
			return nil
		}
		delivered := 0
		for {
			msg, ok, err := result.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := sub.onMessage(ctx, msg); err != nil {
				return subscriberFailure{err: err}
			}
			sub.nextVersion = msg.StreamVersion + 1
			delivered++
		}
		if delivered == 0 {
			return nil
		}
	}
}

func (sub *StreamSubscription) drop(ctx context.Context, err error) {
	sub.dropOnce.Do(func() {
		reason, cause := classifyDrop(ctx, err)
		sub.log.Debug().Stringer("reason", reason).Err(cause).Msg("subscription dropped")
		if sub.opts.dropped != nil {
			sub.opts.dropped(reason, cause)
		}
	})
}

// AllSubscription is a catch-up subscription to the global log.
type AllSubscription struct {
	store        *ReadOnlyStore
	onMessage    MessageReceived
	opts         subscribeOptions
	log          zerolog.Logger
	nextPosition int64

	cancel   context.CancelFunc
	done     chan struct{}
	dropOnce sync.Once
}

// SubscribeToAll starts a catch-up subscription to the global log.
// continueAfterPosition is exclusive: messages at a greater position are
// delivered. Pass nil to replay the log from the start; pass the current
// head position for a live-only subscription.
func (s *ReadOnlyStore) SubscribeToAll(
	continueAfterPosition *int64,
	onMessage MessageReceived,
	options ...SubscribeOption,
) (*AllSubscription, error) {
	if onMessage == nil {
		return nil, InvalidArgumentError{Name: "onMessage", Reason: "must not be nil"}
	}
	signal, unsubscribe, err := s.changeSignal()
	if err != nil {
		return nil, err
	}

	opts := subscribeOptions{prefetch: true}
	for _, o := range options {
		o(&opts)
	}
	nextPosition := PositionStart
	if continueAfterPosition != nil {
		nextPosition = *continueAfterPosition + 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &AllSubscription{
		store:        s,
		onMessage:    onMessage,
		opts:         opts,
		log:          s.log.With().Str("subscription", opts.name).Str("stream", "$all").Logger(),
		nextPosition: nextPosition,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go sub.run(ctx, signal, unsubscribe)
	return sub, nil
}

// Stop terminates the subscription and waits for its delivery loop to exit.
// Idempotent.
func (sub *AllSubscription) Stop() {
	sub.cancel()
	<-sub.done
}

func (sub *AllSubscription) run(ctx context.Context, signal <-chan struct{}, unsubscribe func()) {
	defer close(sub.done)
	defer unsubscribe()

	caughtUp := false
	for {
		if err := sub.catchUp(ctx); err != nil {
			sub.drop(ctx, err)
			return
		}
		if !caughtUp {
			caughtUp = true
			if sub.opts.caughtUp != nil {
				sub.opts.caughtUp()
			}
		}
		select {
		case <-ctx.Done():
			sub.drop(ctx, nil)
			return
		case <-signal:
		}
	}
}

func (sub *AllSubscription) catchUp(ctx context.Context) error {
	for {
		result, err := sub.store.ReadAllForwards(
			ctx, sub.nextPosition, sub.store.settings.SubscriptionPageSize, sub.opts.prefetch)
		if err != nil {
			return err
		}
		delivered := 0
		for {
			msg, ok, err := result.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := sub.onMessage(ctx, msg); err != nil {
				return subscriberFailure{err: err}
			}
			sub.nextPosition = msg.Position + 1
			delivered++
		}
		if delivered == 0 {
			return nil
		}
	}
}

func (sub *AllSubscription) drop(ctx context.Context, err error) {
	sub.dropOnce.Do(func() {
		reason, cause := classifyDrop(ctx, err)
		sub.log.Debug().Stringer("reason", reason).Err(cause).Msg("subscription dropped")
		if sub.opts.dropped != nil {
			sub.opts.dropped(reason, cause)
		}
	})
}

func classifyDrop(ctx context.Context, err error) (SubscriptionDroppedReason, error) {
	var failure subscriberFailure
	switch {
	case errors.As(err, &failure):
		return DropReasonSubscriberError, failure.err
	case err == nil, ctx.Err() != nil, errors.Is(err, ErrStoreClosed):
		return DropReasonDisposed, nil
	default:
		return DropReasonStoreError, err
	}
}
