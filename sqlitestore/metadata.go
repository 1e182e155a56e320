package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmesh/streamstore"
)

// GetStreamMetadata implements streamstore.Driver.
func (s *Store) GetStreamMetadata(
	ctx context.Context,
	streamID string,
) (streamstore.StreamMetadataResult, error) {
	if err := s.guard(); err != nil {
		return streamstore.StreamMetadataResult{}, err
	}

	var res streamstore.StreamMetadataResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.metadataInTx(ctx, tx, streamID)
		return err
	})
	return res, err
}

// metadataInTx decodes the newest message of the metadata stream.
func (s *Store) metadataInTx(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
) (streamstore.StreamMetadataResult, error) {
	none := streamstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: streamstore.VersionEnd,
	}

	metaStreamID := streamstore.MetadataStreamID(streamID)
	ms, err := getStream(ctx, tx, metaStreamID)
	if err != nil {
		return streamstore.StreamMetadataResult{}, err
	}
	if !ms.exists {
		return none, nil
	}

	var jsonData string
	err = tx.QueryRowContext(ctx,
		`SELECT json_data FROM messages WHERE stream_id = ?
		 ORDER BY stream_version DESC LIMIT 1`,
		metaStreamID,
	).Scan(&jsonData)
	if errors.Is(err, sql.ErrNoRows) {
		return none, nil
	}
	if err != nil {
		return streamstore.StreamMetadataResult{}, streamstore.BackendError{Op: "read metadata", Err: err}
	}

	meta, err := streamstore.DecodeMetadataMessage(jsonData)
	if err != nil {
		return streamstore.StreamMetadataResult{},
			fmt.Errorf("sqlitestore: decode metadata for stream %q: %w", streamID, err)
	}
	return streamstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: ms.lastVersion,
		MaxAge:                meta.MaxAge,
		MaxCount:              meta.MaxCount,
		MetadataJSON:          string(meta.MetaJSON),
	}, nil
}

// SetStreamMetadata implements streamstore.Driver. The metadata write and
// the resulting trim commit atomically.
func (s *Store) SetStreamMetadata(
	ctx context.Context,
	streamID string,
	expectedVersion int,
	maxAge, maxCount *int,
	metadataJSON string,
) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload, err := streamstore.EncodeMetadataMessage(streamID, maxAge, maxCount, metadataJSON)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode metadata: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		metaStreamID := streamstore.MetadataStreamID(streamID)
		_, err := s.appendInTx(ctx, tx, metaStreamID, expectedVersion, []streamstore.NewStreamMessage{
			{
				ID:       uuid.New(),
				Type:     streamstore.MetadataMessageType,
				JSONData: payload,
			},
		})
		if err != nil {
			return err
		}
		return s.trimInTx(ctx, tx, streamID)
	})
}
