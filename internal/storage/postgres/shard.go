// Package postgres implements a shard on a PostgreSQL database through pgxpool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
)

// Shard implements storage.Shard for PostgreSQL
type Shard struct {
	name   string
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ storage.Shard = (*Shard)(nil)

// Open connects to dsn and applies the schema
func Open(ctx context.Context, name, dsn string, maxConns int, logger *zap.Logger) (*Shard, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string for shard %s: %w", name, err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for shard %s: %w", name, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping shard %s: %w", name, err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema on shard %s: %w", name, err)
	}

	logger.Info("Shard opened", zap.String("shard", name))

	return &Shard{name: name, pool: pool, logger: logger}, nil
}

func (s *Shard) Name() string { return s.name }

func (s *Shard) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Shard) Close() { s.pool.Close() }

// inTx runs fn inside a transaction committed only when fn succeeds
func (s *Shard) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction on shard %s: %w", s.name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit on shard %s: %w", s.name, err)
	}
	return nil
}

// collectIDs drains a single uuid column, deduplicating
func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (s *Shard) WriteEntities(ctx context.Context, entitySetID uuid.UUID, writes []storage.EntityWrite, mode model.UpdateMode, version int64) (int, error) {
	lastWrite := storage.VersionTime(version)

	// statements are queued per entity in order: replaced values, new values, metadata
	batch := &pgx.Batch{}
	for _, w := range writes {
		pts := make([]uuid.UUID, len(w.Cells))
		hashes := make([][]byte, len(w.Cells))
		values := make([]string, len(w.Cells))
		for i, c := range w.Cells {
			encoded, err := encodeValue(c.Value)
			if err != nil {
				return 0, err
			}
			pts[i], hashes[i], values[i] = c.PropertyTypeID, c.Hash, encoded
		}

		switch mode {
		case model.UpdateModeReplace:
			batch.Queue(`
				UPDATE data SET version = -$3::bigint, versions = array_append(versions, -$3::bigint)
				WHERE entity_set_id = $1 AND id = $2 AND version > 0
				  AND (property_type_id, hash) NOT IN (SELECT * FROM unnest($4::uuid[], $5::bytea[]))`,
				entitySetID, w.EntityKeyID, version, pts, hashes)
		case model.UpdateModePartialReplace:
			batch.Queue(`
				UPDATE data SET version = -$3::bigint, versions = array_append(versions, -$3::bigint)
				WHERE entity_set_id = $1 AND id = $2 AND version > 0
				  AND property_type_id = ANY($4)
				  AND (property_type_id, hash) NOT IN (SELECT * FROM unnest($4::uuid[], $5::bytea[]))`,
				entitySetID, w.EntityKeyID, version, pts, hashes)
		}

		if len(w.Cells) > 0 {
			batch.Queue(`
				INSERT INTO data (entity_set_id, id, partition, property_type_id, hash, value, version, versions)
				SELECT $1::uuid, $2::uuid, $3::integer, u.pt, u.h, u.v::jsonb, $7::bigint, ARRAY[$7::bigint]
				FROM unnest($4::uuid[], $5::bytea[], $6::text[]) AS u(pt, h, v)
				ON CONFLICT (entity_set_id, id, property_type_id, hash) DO UPDATE
				SET value = EXCLUDED.value, version = EXCLUDED.version,
				    versions = array_append(data.versions, EXCLUDED.version)`,
				entitySetID, w.EntityKeyID, w.Partition, pts, hashes, values, version)
		}

		batch.Queue(`
			WITH v AS (
				SELECT CASE WHEN EXISTS (
					SELECT 1 FROM data d WHERE d.entity_set_id = $1 AND d.id = $2 AND d.version > 0
				) THEN $4::bigint ELSE -$4::bigint END AS version
			)
			INSERT INTO ids (entity_set_id, id, partition, version, versions, last_write)
			SELECT $1::uuid, $2::uuid, $3::integer, v.version, ARRAY[v.version], $5::timestamptz FROM v
			ON CONFLICT (entity_set_id, id) DO UPDATE
			SET version = EXCLUDED.version,
			    versions = array_append(ids.versions, EXCLUDED.version),
			    last_write = EXCLUDED.last_write`,
			entitySetID, w.EntityKeyID, w.Partition, version, lastWrite)
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to write entities: %w", err)
			}
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return len(writes), nil
}

func (s *Shard) TombstoneProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, version int64) (int, error) {
	var updated int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf(`
			UPDATE data SET version = -$3::bigint, versions = array_append(versions, -$3::bigint)
			WHERE entity_set_id = $1 AND `+keyFilter+` AND property_type_id = ANY($4) AND version > 0
			RETURNING id`, "$2"),
			entitySetID, entityKeyIDs, version, propertyTypeIDs)
		if err != nil {
			return fmt.Errorf("failed to tombstone values: %w", err)
		}
		cleared, err := collectIDs(rows)
		if err != nil {
			return err
		}
		if len(cleared) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE ids
			SET version = CASE WHEN `+liveCells+` THEN $3::bigint ELSE -$3::bigint END,
			    versions = array_append(versions, CASE WHEN `+liveCells+` THEN $3::bigint ELSE -$3::bigint END),
			    last_write = $4
			WHERE entity_set_id = $1 AND id = ANY($2)`,
			entitySetID, cleared, version, storage.VersionTime(version))
		if err != nil {
			return fmt.Errorf("failed to update entity metadata: %w", err)
		}
		updated = int(tag.RowsAffected())
		return nil
	})
	return updated, err
}

func (s *Shard) TombstoneEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error) {
	var updated int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf(`
			UPDATE ids SET version = -$3::bigint, versions = array_append(versions, -$3::bigint), last_write = $4
			WHERE entity_set_id = $1 AND `+keyFilter+` AND version > 0
			RETURNING id`, "$2"),
			entitySetID, entityKeyIDs, version, storage.VersionTime(version))
		if err != nil {
			return fmt.Errorf("failed to tombstone entities: %w", err)
		}
		touched, err := collectIDs(rows)
		if err != nil {
			return err
		}
		updated = len(touched)
		if updated == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE data SET version = -$3::bigint, versions = array_append(versions, -$3::bigint)
			WHERE entity_set_id = $1 AND id = ANY($2) AND version > 0`,
			entitySetID, touched, version); err != nil {
			return fmt.Errorf("failed to tombstone values: %w", err)
		}
		return nil
	})
	return updated, err
}

func (s *Shard) DeleteProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, version int64) (int, error) {
	var updated int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf(`
			DELETE FROM data
			WHERE entity_set_id = $1 AND `+keyFilter+` AND property_type_id = ANY($3)
			RETURNING id`, "$2"),
			entitySetID, entityKeyIDs, propertyTypeIDs)
		if err != nil {
			return fmt.Errorf("failed to delete values: %w", err)
		}
		removed, err := collectIDs(rows)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}

		next := `CASE WHEN NOT ` + anyCells + ` THEN 0 WHEN ` + liveCells + ` THEN $3::bigint ELSE -$3::bigint END`
		tag, err := tx.Exec(ctx, `
			UPDATE ids
			SET version = `+next+`, versions = array_append(versions, `+next+`), last_write = $4
			WHERE entity_set_id = $1 AND id = ANY($2)`,
			entitySetID, removed, version, storage.VersionTime(version))
		if err != nil {
			return fmt.Errorf("failed to update entity metadata: %w", err)
		}
		updated = int(tag.RowsAffected())
		return nil
	})
	return updated, err
}

func (s *Shard) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error) {
	var updated int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE ids SET version = 0, versions = array_append(versions, 0::bigint), last_write = $3
			WHERE entity_set_id = $1 AND `+keyFilter, "$2"),
			entitySetID, entityKeyIDs, storage.VersionTime(version))
		if err != nil {
			return fmt.Errorf("failed to zero entity versions: %w", err)
		}
		updated = int(tag.RowsAffected())

		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			DELETE FROM data WHERE entity_set_id = $1 AND `+keyFilter, "$2"),
			entitySetID, entityKeyIDs); err != nil {
			return fmt.Errorf("failed to delete values: %w", err)
		}
		return nil
	})
	return updated, err
}

func (s *Shard) RetireEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ids SET version = 0, last_write = $3, last_index = $3
		WHERE entity_set_id = $1 AND id = ANY($2)`,
		entitySetID, entityKeyIDs, at)
	if err != nil {
		return 0, fmt.Errorf("failed to retire entities: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
