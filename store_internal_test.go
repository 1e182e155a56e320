package streamstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver is a minimal backend for exercising store internals.
type stubDriver struct {
	head atomic.Int64
}

var _ Driver = (*stubDriver)(nil)

func newStubDriver() *stubDriver {
	d := &stubDriver{}
	d.head.Store(PositionEnd)
	return d
}

func (d *stubDriver) AppendToStream(context.Context, string, int, []NewStreamMessage) (AppendResult, error) {
	return AppendResult{}, nil
}

func (d *stubDriver) ReadStreamPage(_ context.Context, _ string, fromVersion, _ int, direction ReadDirection, _ bool) (ReadStreamPage, error) {
	next := fromVersion
	if direction == ReadBackward {
		next = VersionEnd
	}
	return ReadStreamPage{
		Status:            ReadStatusStreamNotFound,
		NextStreamVersion: next,
		LastStreamVersion: VersionEnd,
		IsEnd:             true,
	}, nil
}

func (d *stubDriver) ReadAllPage(_ context.Context, fromPosition int64, _ int, _ ReadDirection, _ bool) (ReadAllPage, error) {
	return ReadAllPage{FromPosition: fromPosition, NextPosition: fromPosition, IsEnd: true}, nil
}

func (d *stubDriver) ReadHeadPosition(context.Context) (int64, error) {
	return d.head.Load(), nil
}

func (d *stubDriver) DeleteStream(context.Context, string, int) error        { return nil }
func (d *stubDriver) DeleteMessage(context.Context, string, uuid.UUID) error { return nil }

func (d *stubDriver) GetStreamMetadata(_ context.Context, streamID string) (StreamMetadataResult, error) {
	return StreamMetadataResult{StreamID: streamID, MetadataStreamVersion: VersionEnd}, nil
}

func (d *stubDriver) SetStreamMetadata(context.Context, string, int, *int, *int, string) error {
	return nil
}

func (d *stubDriver) ListStreams(context.Context, Pattern, int, string) (ListStreamsPage, error) {
	return ListStreamsPage{}, nil
}

func (d *stubDriver) Close() error { return nil }

func TestChangeSignal_AfterCloseFails(t *testing.T) {
	s, err := NewReadOnly(newStubDriver(), Settings{NotifierInterval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.changeSignal()
	require.ErrorIs(t, err, ErrStoreClosed)

	s.mu.Lock()
	assert.Nil(t, s.notifier)
	s.mu.Unlock()
}

func TestClose_RacingSubscribeLeavesNoNotifier(t *testing.T) {
	// A subscribe that passes the closed guard just as Close runs must either
	// win (its notifier is the one Close stops) or fail with ErrStoreClosed.
	// Either way no unowned polling loop may survive Close.
	for i := 0; i < 200; i++ {
		s, err := NewReadOnly(newStubDriver(), Settings{NotifierInterval: time.Millisecond})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var sub *AllSubscription
		wg.Add(2)
		go func() {
			defer wg.Done()
			got, err := s.SubscribeToAll(nil, func(context.Context, StreamMessage) error { return nil })
			if err != nil {
				assert.ErrorIs(t, err, ErrStoreClosed)
				return
			}
			sub = got
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
		wg.Wait()

		s.mu.Lock()
		assert.Nil(t, s.notifier)
		s.mu.Unlock()

		if sub != nil {
			sub.Stop()
		}
	}
}
