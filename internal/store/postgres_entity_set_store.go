package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/model"
)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS entity_sets (
	id                    UUID PRIMARY KEY,
	name                  TEXT        NOT NULL,
	entity_type_id        UUID        NOT NULL,
	partitions            INTEGER[]   NOT NULL DEFAULT '{}',
	flags                 TEXT[]      NOT NULL DEFAULT '{}',
	linked_entity_set_ids UUID[]      NOT NULL DEFAULT '{}',
	data_source           TEXT        NOT NULL DEFAULT '',
	expiration            JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deleted_entity_sets (
	id             UUID PRIMARY KEY,
	entity_type_id UUID        NOT NULL,
	data_source    TEXT        NOT NULL,
	deleted_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_types (
	id                UUID PRIMARY KEY,
	name              TEXT   NOT NULL,
	property_type_ids UUID[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS property_types (
	id       UUID PRIMARY KEY,
	name     TEXT NOT NULL,
	datatype TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS edges (
	src_entity_set_id  UUID   NOT NULL,
	src_id             UUID   NOT NULL,
	dst_entity_set_id  UUID   NOT NULL,
	dst_id             UUID   NOT NULL,
	edge_entity_set_id UUID   NOT NULL,
	edge_id            UUID   NOT NULL,
	version            BIGINT NOT NULL,
	PRIMARY KEY (src_entity_set_id, src_id, dst_entity_set_id, dst_id, edge_entity_set_id, edge_id)
);

CREATE INDEX IF NOT EXISTS edges_dst_idx ON edges (dst_entity_set_id, dst_id);
CREATE INDEX IF NOT EXISTS edges_edge_idx ON edges (edge_entity_set_id, edge_id);
`

// PostgresEntitySetStore implements EntitySetStore for PostgreSQL
type PostgresEntitySetStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresPool opens a pgx pool and applies the metadata schema
func NewPostgresPool(ctx context.Context, connString string, connMaxLifetime time.Duration) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if connMaxLifetime > 0 {
		config.MaxConnLifetime = connMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, metadataSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply metadata schema: %w", err)
	}
	return pool, nil
}

// NewPostgresEntitySetStore creates a store on an open pool
func NewPostgresEntitySetStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresEntitySetStore {
	return &PostgresEntitySetStore{pool: pool, logger: logger}
}

var _ EntitySetStore = (*PostgresEntitySetStore)(nil)

const entitySetColumns = `id, name, entity_type_id, partitions, flags, linked_entity_set_ids, data_source, expiration::text, created_at`

func scanEntitySet(row pgx.Row) (*model.EntitySet, error) {
	var (
		es         model.EntitySet
		flags      []string
		expiration *string
	)
	if err := row.Scan(&es.ID, &es.Name, &es.EntityTypeID, &es.Partitions, &flags,
		&es.LinkedEntitySetIDs, &es.DataSource, &expiration, &es.CreatedAt); err != nil {
		return nil, err
	}
	for _, f := range flags {
		es.Flags = append(es.Flags, model.EntitySetFlag(f))
	}
	if expiration != nil {
		var policy model.ExpirationPolicy
		if err := json.Unmarshal([]byte(*expiration), &policy); err != nil {
			return nil, fmt.Errorf("failed to decode expiration policy of %s: %w", es.ID, err)
		}
		es.Expiration = &policy
	}
	return &es, nil
}

func encodePolicy(policy *model.ExpirationPolicy) (*string, error) {
	if policy == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("failed to encode expiration policy: %w", err)
	}
	s := string(encoded)
	return &s, nil
}

// GetEntitySet retrieves an entity set definition
func (s *PostgresEntitySetStore) GetEntitySet(ctx context.Context, id uuid.UUID) (*model.EntitySet, error) {
	es, err := scanEntitySet(s.pool.QueryRow(ctx,
		`SELECT `+entitySetColumns+` FROM entity_sets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity set: %w", err)
	}
	return es, nil
}

// ListEntitySets retrieves every registered entity set
func (s *PostgresEntitySetStore) ListEntitySets(ctx context.Context) ([]*model.EntitySet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entitySetColumns+` FROM entity_sets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity sets: %w", err)
	}
	defer rows.Close()

	var out []*model.EntitySet
	for rows.Next() {
		es, err := scanEntitySet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity set: %w", err)
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// CreateEntitySet registers an entity set
func (s *PostgresEntitySetStore) CreateEntitySet(ctx context.Context, es *model.EntitySet) error {
	flags := make([]string, len(es.Flags))
	for i, f := range es.Flags {
		flags[i] = string(f)
	}
	policy, err := encodePolicy(es.Expiration)
	if err != nil {
		return err
	}
	linked := es.LinkedEntitySetIDs
	if linked == nil {
		linked = []uuid.UUID{}
	}
	partitions := es.Partitions
	if partitions == nil {
		partitions = []int{}
	}
	createdAt := es.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_sets (id, name, entity_type_id, partitions, flags, linked_entity_set_ids, data_source, expiration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::jsonb, $9)`,
		es.ID, es.Name, es.EntityTypeID, partitions, flags, linked, es.DataSource, policy, createdAt)
	if err != nil {
		return fmt.Errorf("failed to create entity set: %w", err)
	}
	return nil
}

// SetExpirationPolicy replaces the expiration policy of an entity set
func (s *PostgresEntitySetStore) SetExpirationPolicy(ctx context.Context, id uuid.UUID, policy *model.ExpirationPolicy) error {
	encoded, err := encodePolicy(policy)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE entity_sets SET expiration = $2::text::jsonb WHERE id = $1`, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to set expiration policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntitySet moves an entity set to the pending deletion table
func (s *PostgresEntitySetStore) DeleteEntitySet(ctx context.Context, id uuid.UUID, deletedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO deleted_entity_sets (id, entity_type_id, data_source, deleted_at)
		SELECT id, entity_type_id, data_source, $2 FROM entity_sets WHERE id = $1
		ON CONFLICT (id) DO UPDATE SET deleted_at = EXCLUDED.deleted_at`, id, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to record deleted entity set: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM entity_sets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete entity set: %w", err)
	}
	return tx.Commit(ctx)
}

// ListDeletedEntitySets returns entity sets whose rows still await purge
func (s *PostgresEntitySetStore) ListDeletedEntitySets(ctx context.Context) ([]*model.DeletedEntitySet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type_id, data_source, deleted_at FROM deleted_entity_sets ORDER BY deleted_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted entity sets: %w", err)
	}
	defer rows.Close()

	var out []*model.DeletedEntitySet
	for rows.Next() {
		var d model.DeletedEntitySet
		if err := rows.Scan(&d.ID, &d.EntityTypeID, &d.DataSource, &d.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deleted entity set: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RemoveDeletedEntitySet drops the pending deletion entry
func (s *PostgresEntitySetStore) RemoveDeletedEntitySet(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM deleted_entity_sets WHERE id = $1`, id)
	return err
}

// GetEntityType retrieves an entity type
func (s *PostgresEntitySetStore) GetEntityType(ctx context.Context, id uuid.UUID) (*model.EntityType, error) {
	var et model.EntityType
	err := s.pool.QueryRow(ctx, `SELECT id, name, property_type_ids FROM entity_types WHERE id = $1`, id).
		Scan(&et.ID, &et.Name, &et.PropertyTypeIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity type: %w", err)
	}
	return &et, nil
}

// CreateEntityType registers an entity type
func (s *PostgresEntitySetStore) CreateEntityType(ctx context.Context, et *model.EntityType) error {
	ids := et.PropertyTypeIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_types (id, name, property_type_ids) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, property_type_ids = EXCLUDED.property_type_ids`,
		et.ID, et.Name, ids)
	return err
}

// GetPropertyTypes retrieves property types by id; a missing id is ErrNotFound
func (s *PostgresEntitySetStore) GetPropertyTypes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.PropertyType, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, datatype FROM property_types WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get property types: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*model.PropertyType, len(ids))
	for rows.Next() {
		var (
			pt       model.PropertyType
			datatype string
		)
		if err := rows.Scan(&pt.ID, &pt.Name, &datatype); err != nil {
			return nil, fmt.Errorf("failed to scan property type: %w", err)
		}
		pt.Datatype = model.Datatype(datatype)
		out[pt.ID] = &pt
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("property type %s: %w", id, ErrNotFound)
		}
	}
	return out, nil
}

// CreatePropertyType registers a property type
func (s *PostgresEntitySetStore) CreatePropertyType(ctx context.Context, pt *model.PropertyType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO property_types (id, name, datatype) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, datatype = EXCLUDED.datatype`,
		pt.ID, pt.Name, string(pt.Datatype))
	return err
}

// Ping checks the database connection
func (s *PostgresEntitySetStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresEntitySetStore) Close() {
	s.pool.Close()
}
