package pebblestore

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
	if err := s.guard(); err != nil {
		return streamstore.StreamMetadataResult{}, err
	}
	return s.metadata(s.db, streamID)
}

// metadata decodes the newest message of the metadata stream.
func (s *Store) metadata(r reader, streamID string) (streamstore.StreamMetadataResult, error) {
	none := streamstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: streamstore.VersionEnd,
	}

	metaStreamID := streamstore.MetadataStreamID(streamID)
	ms, exists, err := s.getStreamMeta(r, metaStreamID)
	if err != nil {
		return streamstore.StreamMetadataResult{}, err
	}
	if !exists {
		return none, nil
	}
	rec, found, err := s.getRecord(r, metaStreamID, ms.LastVersion)
	if err != nil {
		return streamstore.StreamMetadataResult{}, err
	}
	if !found {
		return none, nil
	}

	meta, err := streamstore.DecodeMetadataMessage(rec.JSONData)
	if err != nil {
		return streamstore.StreamMetadataResult{},
			fmt.Errorf("pebblestore: decode metadata for stream %q: %w", streamID, err)
	}
	return streamstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: ms.LastVersion,
		MaxAge:                meta.MaxAge,
		MaxCount:              meta.MaxCount,
		MetadataJSON:          string(meta.MetaJSON),
	}, nil
}

// maxCount resolves the effective max-count for a data stream, if one is set.
func (s *Store) maxCount(r reader, streamID string) (int, bool, error) {
	meta, err := s.metadata(r, streamID)
	if err != nil {
		return 0, false, err
	}
	if meta.MaxCount == nil {
		return 0, false, nil
	}
	return *meta.MaxCount, true, nil
}

// SetStreamMetadata implements streamstore.Driver. The metadata write and
// the resulting trim commit as one batch.
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
	if err := s.guard(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload, err := streamstore.EncodeMetadataMessage(streamID, maxAge, maxCount, metadataJSON)
	if err != nil {
		return fmt.Errorf("pebblestore: encode metadata: %w", err)
	}

	b := s.db.NewIndexedBatch()
	defer b.Close()

	metaStreamID := streamstore.MetadataStreamID(streamID)
	_, err = s.appendToBatch(b, metaStreamID, expectedVersion, []streamstore.NewStreamMessage{
		{
			ID:       uuid.New(),
			Type:     streamstore.MetadataMessageType,
			JSONData: payload,
		},
	})
	if err != nil {
		return err
	}
	if err := s.trimToBatch(b, streamID); err != nil {
		return err
	}
	if err := b.Commit(s.writeOpts()); err != nil {
		return streamstore.BackendError{Op: "commit metadata", Err: err}
	}
	return nil
}
