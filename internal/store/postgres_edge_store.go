package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/model"
)

// PostgresEdgeStore implements EdgeStore for PostgreSQL
type PostgresEdgeStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresEdgeStore creates an edge store sharing the metadata pool
func NewPostgresEdgeStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresEdgeStore {
	return &PostgresEdgeStore{pool: pool, logger: logger}
}

var _ EdgeStore = (*PostgresEdgeStore)(nil)

// edgeFilter selects edges with any end inside the entity selection ($1 set, $2 keys or NULL)
const edgeFilter = `(
	(src_entity_set_id = $1 AND ($2::uuid[] IS NULL OR src_id = ANY($2))) OR
	(dst_entity_set_id = $1 AND ($2::uuid[] IS NULL OR dst_id = ANY($2))) OR
	(edge_entity_set_id = $1 AND ($2::uuid[] IS NULL OR edge_id = ANY($2)))
)`

// AddEdges upserts edges as live
func (s *PostgresEdgeStore) AddEdges(ctx context.Context, edges []*model.Edge) error {
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(`
			INSERT INTO edges (src_entity_set_id, src_id, dst_entity_set_id, dst_id, edge_entity_set_id, edge_id, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (src_entity_set_id, src_id, dst_entity_set_id, dst_id, edge_entity_set_id, edge_id)
			DO UPDATE SET version = EXCLUDED.version`,
			e.Src.EntitySetID, e.Src.EntityKeyID, e.Dst.EntitySetID, e.Dst.EntityKeyID,
			e.Edge.EntitySetID, e.Edge.EntityKeyID, e.Version)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range edges {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to add edge: %w", err)
		}
	}
	return nil
}

// EdgesOf returns live edges touching the selection
func (s *PostgresEdgeStore) EdgesOf(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]*model.Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src_entity_set_id, src_id, dst_entity_set_id, dst_id, edge_entity_set_id, edge_id, version
		FROM edges WHERE version > 0 AND `+edgeFilter, entitySetID, entityKeyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to select edges: %w", err)
	}
	defer rows.Close()

	var out []*model.Edge
	for rows.Next() {
		var e model.Edge
		if err := rows.Scan(&e.Src.EntitySetID, &e.Src.EntityKeyID, &e.Dst.EntitySetID, &e.Dst.EntityKeyID,
			&e.Edge.EntitySetID, &e.Edge.EntityKeyID, &e.Version); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ClearEdges tombstones live edges touching the selection
func (s *PostgresEdgeStore) ClearEdges(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE edges SET version = -$3::bigint WHERE version > 0 AND `+edgeFilter,
		entitySetID, entityKeyIDs, version)
	if err != nil {
		return 0, fmt.Errorf("failed to clear edges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteEdges removes edges touching the selection
func (s *PostgresEdgeStore) DeleteEdges(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM edges WHERE `+edgeFilter, entitySetID, entityKeyIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete edges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// NeighborAssociationSets lists association entity sets of live edges touching entitySetID
func (s *PostgresEdgeStore) NeighborAssociationSets(ctx context.Context, entitySetID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT edge_entity_set_id FROM edges
		WHERE version > 0 AND edge_entity_set_id <> $1
		  AND (src_entity_set_id = $1 OR dst_entity_set_id = $1)
		ORDER BY edge_entity_set_id`, entitySetID)
	if err != nil {
		return nil, fmt.Errorf("failed to select neighbor association sets: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
