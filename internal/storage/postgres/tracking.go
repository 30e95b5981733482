package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devrev/entitystore/internal/model"
)

func splitObserved(observed map[uuid.UUID]time.Time) ([]uuid.UUID, []time.Time) {
	keys := make([]uuid.UUID, 0, len(observed))
	times := make([]time.Time, 0, len(observed))
	for k, t := range observed {
		keys = append(keys, k)
		times = append(times, t)
	}
	return keys, times
}

func (s *Shard) MarkIndexed(ctx context.Context, entitySetID uuid.UUID, observed map[uuid.UUID]time.Time) (int, error) {
	keys, times := splitObserved(observed)
	tag, err := s.pool.Exec(ctx, `
		UPDATE ids SET last_index = u.last_write
		FROM unnest($2::uuid[], $3::timestamptz[]) AS u(id, last_write)
		WHERE ids.entity_set_id = $1 AND ids.id = u.id`,
		entitySetID, keys, times)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entities indexed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Shard) MarkLinkIndexed(ctx context.Context, entitySetID uuid.UUID, observed map[uuid.UUID]time.Time) (int, error) {
	keys, times := splitObserved(observed)
	tag, err := s.pool.Exec(ctx, `
		UPDATE ids SET last_link_index = u.last_write
		FROM unnest($2::uuid[], $3::timestamptz[]) AS u(id, last_write)
		WHERE ids.entity_set_id = $1 AND ids.id = u.id`,
		entitySetID, keys, times)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entities link indexed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Shard) MarkUnindexed(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE ids SET last_index = to_timestamp(0)
		WHERE entity_set_id = $1 AND `+keyFilter, "$2"),
		entitySetID, entityKeyIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entities unindexed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Shard) MarkNeedsLinking(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE ids SET last_link = to_timestamp(0)
		WHERE entity_set_id = $1 AND `+keyFilter, "$2"),
		entitySetID, entityKeyIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark entities for linking: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Shard) MarkLinked(ctx context.Context, entitySetID uuid.UUID, linkingIDs map[uuid.UUID]uuid.UUID, at time.Time) (int, error) {
	keys := make([]uuid.UUID, 0, len(linkingIDs))
	links := make([]uuid.UUID, 0, len(linkingIDs))
	for k, l := range linkingIDs {
		keys = append(keys, k)
		links = append(links, l)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ids SET linking_id = u.linking_id, last_link = $4
		FROM unnest($2::uuid[], $3::uuid[]) AS u(id, linking_id)
		WHERE ids.entity_set_id = $1 AND ids.id = u.id`,
		entitySetID, keys, links, at)
	if err != nil {
		return 0, fmt.Errorf("failed to record linking ids: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Shard) DirtyEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.watermarks(ctx, `
		SELECT id, last_write, version, linking_id FROM ids
		WHERE entity_set_id = $1 AND version > 0 AND last_index < last_write
		ORDER BY last_write, id LIMIT $2`, entitySetID, limit)
}

func (s *Shard) UnindexedDeletes(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.watermarks(ctx, `
		SELECT id, last_write, version, linking_id FROM ids
		WHERE entity_set_id = $1 AND version <= 0 AND last_index < last_write
		ORDER BY last_write, id LIMIT $2`, entitySetID, limit)
}

func (s *Shard) LinkDirtyEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.watermarks(ctx, `
		SELECT id, last_write, version, linking_id FROM ids
		WHERE entity_set_id = $1 AND linking_id IS NOT NULL
		  AND last_link >= last_write AND last_link_index < last_write
		ORDER BY last_write, id LIMIT $2`, entitySetID, limit)
}

func (s *Shard) ScanEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.watermarks(ctx, `
		SELECT id, last_write, version, linking_id FROM ids
		WHERE entity_set_id = $1
		ORDER BY last_write, id LIMIT $2`, entitySetID, limit)
}

// purgeable is the hard delete eligibility predicate
const purgeable = `version = 0 AND (last_index >= last_write OR (linking_id IS NOT NULL AND last_link_index >= last_write))`

func (s *Shard) PurgeableEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM ids
		WHERE entity_set_id = $1 AND `+purgeable+`
		ORDER BY last_write, id LIMIT $2`, entitySetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select purgeable entities: %w", err)
	}
	return collectIDs(rows)
}

func (s *Shard) PurgeEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	var purged int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM ids
			WHERE entity_set_id = $1 AND id = ANY($2) AND `+purgeable+`
			RETURNING id`, entitySetID, entityKeyIDs)
		if err != nil {
			return fmt.Errorf("failed to purge entity metadata: %w", err)
		}
		removed, err := collectIDs(rows)
		if err != nil {
			return err
		}
		purged = len(removed)
		if purged == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM data WHERE entity_set_id = $1 AND id = ANY($2)`,
			entitySetID, removed); err != nil {
			return fmt.Errorf("failed to purge values: %w", err)
		}
		return nil
	})
	return purged, err
}

func (s *Shard) ExpiringEntities(ctx context.Context, entitySetID uuid.UUID, filter model.ExpirationFilter, limit int) ([]uuid.UUID, error) {
	var (
		rows pgx.Rows
		err  error
	)
	minVersion := int64(math.MinInt64)
	if filter.LiveOnly {
		minVersion = 1
	}
	switch filter.Type {
	case model.ExpireFirstWrite:
		rows, err = s.pool.Query(ctx, `
			SELECT i.id FROM ids i
			WHERE i.entity_set_id = $1 AND abs(i.versions[1]) <= $2::bigint AND i.version >= $4::bigint
			  AND EXISTS (SELECT 1 FROM data d WHERE d.entity_set_id = i.entity_set_id AND d.id = i.id)
			ORDER BY i.id LIMIT $3`,
			entitySetID, filter.Cutoff.UnixMilli(), limit, minVersion)
	case model.ExpireLastWrite:
		rows, err = s.pool.Query(ctx, `
			SELECT i.id FROM ids i
			WHERE i.entity_set_id = $1 AND i.last_write <= $2 AND i.version >= $4::bigint
			  AND EXISTS (SELECT 1 FROM data d WHERE d.entity_set_id = i.entity_set_id AND d.id = i.id)
			ORDER BY i.id LIMIT $3`,
			entitySetID, filter.Cutoff, limit, minVersion)
	case model.ExpireDateProperty:
		// bare dates are read as midnight UTC
		rows, err = s.pool.Query(ctx, `
			SELECT DISTINCT d.id FROM data d
			LEFT JOIN ids i ON i.entity_set_id = d.entity_set_id AND i.id = d.id
			WHERE d.entity_set_id = $1 AND d.property_type_id = $2 AND d.version > 0
			  AND ($5::bigint <= 0 OR i.version >= $5::bigint)
			  AND (CASE WHEN length(d.value #>> '{}') = 10
			            THEN (d.value #>> '{}') || 'T00:00:00Z'
			            ELSE d.value #>> '{}' END)::timestamptz <= $3
			ORDER BY d.id LIMIT $4`,
			entitySetID, filter.StartPropertyTypeID, filter.Cutoff, limit, minVersion)
	default:
		return nil, fmt.Errorf("unknown expiration type %q", filter.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select expired entities: %w", err)
	}
	return collectIDs(rows)
}

func (s *Shard) DeleteEntityCells(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		WITH removed AS (
			DELETE FROM data WHERE entity_set_id = $1 AND id = ANY($2) RETURNING id
		)
		SELECT count(DISTINCT id) FROM removed`,
		entitySetID, entityKeyIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entity values: %w", err)
	}
	return n, nil
}

func (s *Shard) DeleteMetadataRows(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ids WHERE entity_set_id = $1 AND id = ANY($2)`, entitySetID, entityKeyIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entity metadata: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
