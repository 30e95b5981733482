package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
)

// visibleAsOf picks the entry deciding a cell's visibility: the current version when
// $4 is zero, otherwise the last appended version not newer than $4
const visibleAsOf = `CASE WHEN $4::bigint <= 0 THEN d.version > 0 ELSE COALESCE((
	SELECT u.v FROM unnest(d.versions) WITH ORDINALITY AS u(v, n)
	WHERE abs(u.v) <= $4::bigint ORDER BY u.n DESC LIMIT 1
), 0) > 0 END`

const metadataColumns = `i.id, i.partition, i.version, i.versions, i.last_write, i.last_index, i.last_link, i.last_link_index, i.linking_id`

func encodeValue(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(encoded), nil
}

func decodeValue(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return value, nil
}

func (s *Shard) ReadEntities(ctx context.Context, req storage.ReadRequest, fn func(*storage.EntityRecord) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metadataColumns+`, d.property_type_id, d.value::text
		FROM data d
		JOIN ids i ON i.entity_set_id = d.entity_set_id AND i.id = d.id
		WHERE d.entity_set_id = $1
		  AND ($2::uuid[] IS NULL OR d.id = ANY($2))
		  AND ($3::uuid[] IS NULL OR d.property_type_id = ANY($3))
		  AND `+visibleAsOf+`
		ORDER BY d.id`,
		req.EntitySetID, req.EntityKeyIDs, req.PropertyTypeIDs, req.AsOf)
	if err != nil {
		return fmt.Errorf("failed to read entities from shard %s: %w", s.name, err)
	}
	return streamRecords(rows, req.EntitySetID, fn)
}

func (s *Shard) ReadLinkedEntities(ctx context.Context, entitySetID uuid.UUID, linkingIDs, propertyTypeIDs []uuid.UUID, fn func(*storage.EntityRecord) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metadataColumns+`, d.property_type_id, d.value::text
		FROM data d
		JOIN ids i ON i.entity_set_id = d.entity_set_id AND i.id = d.id
		WHERE d.entity_set_id = $1
		  AND i.linking_id = ANY($2)
		  AND i.version > 0
		  AND ($3::uuid[] IS NULL OR d.property_type_id = ANY($3))
		  AND d.version > 0
		ORDER BY d.id`,
		entitySetID, linkingIDs, propertyTypeIDs)
	if err != nil {
		return fmt.Errorf("failed to read linked entities from shard %s: %w", s.name, err)
	}
	return streamRecords(rows, entitySetID, fn)
}

// streamRecords folds consecutive rows of the same entity into one record
func streamRecords(rows pgx.Rows, entitySetID uuid.UUID, fn func(*storage.EntityRecord) error) error {
	defer rows.Close()

	var current *storage.EntityRecord
	for rows.Next() {
		var (
			meta           model.EntityMetadata
			propertyTypeID uuid.UUID
			raw            string
		)
		if err := rows.Scan(
			&meta.EntityKeyID, &meta.Partition, &meta.Version, &meta.Versions,
			&meta.LastWrite, &meta.LastIndex, &meta.LastLink, &meta.LastLinkIndex, &meta.LinkingID,
			&propertyTypeID, &raw,
		); err != nil {
			return fmt.Errorf("failed to scan entity row: %w", err)
		}
		value, err := decodeValue(raw)
		if err != nil {
			return err
		}

		if current == nil || current.Metadata.EntityKeyID != meta.EntityKeyID {
			if current != nil {
				if err := fn(current); err != nil {
					return err
				}
			}
			meta.EntitySetID = entitySetID
			normalizeTimes(&meta)
			current = &storage.EntityRecord{Properties: make(model.Properties), Metadata: meta}
		}
		current.Properties[propertyTypeID] = append(current.Properties[propertyTypeID], value)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate entity rows: %w", err)
	}
	if current != nil {
		return fn(current)
	}
	return nil
}

func normalizeTimes(meta *model.EntityMetadata) {
	meta.LastWrite = meta.LastWrite.UTC()
	meta.LastIndex = meta.LastIndex.UTC()
	meta.LastLink = meta.LastLink.UTC()
	meta.LastLinkIndex = meta.LastLinkIndex.UTC()
}

func (s *Shard) EntityMetadata(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]*model.EntityMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metadataColumns+`
		FROM ids i
		WHERE i.entity_set_id = $1 AND ($2::uuid[] IS NULL OR i.id = ANY($2))
		ORDER BY i.id`,
		entitySetID, entityKeyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity metadata: %w", err)
	}
	defer rows.Close()

	var out []*model.EntityMetadata
	for rows.Next() {
		meta := &model.EntityMetadata{EntitySetID: entitySetID}
		if err := rows.Scan(
			&meta.EntityKeyID, &meta.Partition, &meta.Version, &meta.Versions,
			&meta.LastWrite, &meta.LastIndex, &meta.LastLink, &meta.LastLinkIndex, &meta.LinkingID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entity metadata: %w", err)
		}
		normalizeTimes(meta)
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *Shard) CellCount(ctx context.Context, entitySetID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM data WHERE entity_set_id = $1`, entitySetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count values: %w", err)
	}
	return n, nil
}

// watermarks runs a metadata query returning (id, last_write, version, linking_id)
func (s *Shard) watermarks(ctx context.Context, query string, args ...any) ([]model.EntityWatermark, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities from shard %s: %w", s.name, err)
	}
	defer rows.Close()

	out := make([]model.EntityWatermark, 0)
	for rows.Next() {
		var (
			w         model.EntityWatermark
			lastWrite time.Time
		)
		if err := rows.Scan(&w.EntityKeyID, &lastWrite, &w.Version, &w.LinkingID); err != nil {
			return nil, fmt.Errorf("failed to scan entity watermark: %w", err)
		}
		w.LastWrite = lastWrite.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}
