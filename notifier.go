package streamstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultNotifierInterval is the default head-position polling interval.
const DefaultNotifierInterval = time.Second

// PollingNotifier turns a passive store into an observable one. It polls a
// head-position operation on a fixed interval and publishes a single
// coalesced "something changed" signal to every subscriber whenever the head
// advanced, irrespective of by how many messages.
type PollingNotifier struct {
	readHead func(ctx context.Context) (int64, error)
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollingNotifier starts a notifier polling readHead every interval.
// A non-positive interval falls back to DefaultNotifierInterval.
func NewPollingNotifier(
	readHead func(ctx context.Context) (int64, error),
	interval time.Duration,
	log zerolog.Logger,
) *PollingNotifier {
	if interval <= 0 {
		interval = DefaultNotifierInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &PollingNotifier{
		readHead: readHead,
		interval: interval,
		log:      log,
		subs:     make(map[uint64]chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go n.poll(ctx)
	return n
}

// Subscribe registers a coalesced change channel. The channel carries at most
// one pending signal; a burst of changes while the subscriber is busy
// collapses into a single delivery. The returned cancel func removes the
// subscription and is safe to call more than once, concurrently with an
// in-flight publish.
func (n *PollingNotifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
	return ch, cancel
}

// Close stops the polling loop and waits for it to exit. Idempotent.
func (n *PollingNotifier) Close() error {
	n.cancel()
	<-n.done
	return nil
}

func (n *PollingNotifier) poll(ctx context.Context) {
	defer close(n.done)

	head := PositionEnd
	previous := head
	for ctx.Err() == nil {
		h, err := n.readHead(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Best-effort background activity: log and retry on the next
			// tick. The previous baseline is retained so a transient failure
			// cannot suppress a later real change.
			n.log.Error().Err(err).
				Int64("head", head).
				Msg("polling head position failed")
		} else {
			head = h
			n.log.Trace().
				Int64("head", head).
				Int64("previous", previous).
				Msg("polled head position")
		}

		if head > previous {
			n.publish()
			previous = head
		} else {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.interval):
			}
		}
	}
}

// publish signals a snapshot of the current subscribers without blocking on
// any of them: a subscriber with a signal already pending is skipped, which
// is what coalesces bursts.
func (n *PollingNotifier) publish() {
	n.mu.Lock()
	snapshot := make([]chan struct{}, 0, len(n.subs))
	for _, ch := range n.subs {
		snapshot = append(snapshot, ch)
	}
	n.mu.Unlock()

	for _, ch := range snapshot {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
