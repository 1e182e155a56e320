package inmemory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// GetStreamMetadata implements streamstore.Driver.
func (s *Store) GetStreamMetadata(
	ctx context.Context,
	streamID string,
) (streamstore.StreamMetadataResult, error) {
	if err := ctx.Err(); err != nil {
		return streamstore.StreamMetadataResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return streamstore.StreamMetadataResult{}, errClosed
	}
	return s.metadataLocked(streamID)
}

// metadataLocked decodes the newest message of the metadata stream. Callers
// hold at least the read lock.
func (s *Store) metadataLocked(streamID string) (streamstore.StreamMetadataResult, error) {
	none := streamstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: streamstore.VersionEnd,
	}

	ms := s.streamLocked(streamstore.MetadataStreamID(streamID))
	if ms == nil || len(ms.messages) == 0 {
		return none, nil
	}
	last := ms.messages[len(ms.messages)-1]
	meta, err := streamstore.DecodeMetadataMessage(last.jsonData)
	if err != nil {
		return streamstore.StreamMetadataResult{},
			fmt.Errorf("inmemory: decode metadata for stream %q: %w", streamID, err)
	}
	return streamstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: ms.lastVersion,
		MaxAge:                meta.MaxAge,
		MaxCount:              meta.MaxCount,
		MetadataJSON:          string(meta.MetaJSON),
	}, nil
}

// maxCountLocked resolves the effective max-count for a data stream, if
// one is set. Callers hold the write lock.
func (s *Store) maxCountLocked(streamID string) (int, bool) {
	meta, err := s.metadataLocked(streamID)
	if err != nil || meta.MaxCount == nil {
		return 0, false
	}
	return *meta.MaxCount, true
}

// SetStreamMetadata implements streamstore.Driver. The metadata is appended
// as a message to the stream's metadata stream, so metadata writes get the
// same concurrency control as data writes.
func (s *Store) SetStreamMetadata(
	ctx context.Context,
	streamID string,
	expectedVersion int,
	maxAge, maxCount *int,
	metadataJSON string,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	payload, err := streamstore.EncodeMetadataMessage(streamID, maxAge, maxCount, metadataJSON)
	if err != nil {
		return fmt.Errorf("inmemory: encode metadata: %w", err)
	}

	metaStreamID := streamstore.MetadataStreamID(streamID)
	_, err = s.appendLocked(metaStreamID, expectedVersion, []streamstore.NewStreamMessage{
		{
			ID:       uuid.New(),
			Type:     streamstore.MetadataMessageType,
			JSONData: payload,
		},
	})
	if err != nil {
		return err
	}
	s.trimToMaxCountLocked(streamID)
	return nil
}
