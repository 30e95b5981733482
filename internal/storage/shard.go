// Package storage defines the per-shard persistence contract of the entity property store.
//
// A shard holds two logical tables. The metadata table has one row per entity with
// its version and the last-write, last-index, last-link and last-link-index watermarks.
// The data table has one cell per (entity, property type, value hash) with the value
// and the append-only list of versions written to it. Positive versions are writes,
// negative versions are tombstones, and a metadata version of zero marks an entity
// awaiting purge.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// CellWrite is one normalized value written to a property
type CellWrite struct {
	PropertyTypeID uuid.UUID
	Hash           []byte
	Value          any
}

// EntityWrite is every value written to one entity by a single operation
type EntityWrite struct {
	EntityKeyID uuid.UUID
	Partition   int
	Cells       []CellWrite
}

// ReadRequest selects entities of one entity set.
// Nil EntityKeyIDs selects the whole entity set and nil PropertyTypeIDs every property.
// AsOf of zero reads current values; a positive AsOf reads values as of that version.
type ReadRequest struct {
	EntitySetID     uuid.UUID
	EntityKeyIDs    []uuid.UUID
	PropertyTypeIDs []uuid.UUID
	AsOf            int64
}

// EntityRecord is one entity as read from a shard
type EntityRecord struct {
	Properties model.Properties
	Metadata   model.EntityMetadata
}

// Shard is one physical data source.
//
// Every method taking entityKeyIDs treats a nil slice as the whole entity set.
// Mutations return the number of metadata rows they changed.
type Shard interface {
	Name() string

	// WriteEntities stores values at version and advances each entity's version and lastWrite.
	// Replace tombstones live values missing from the write, PartialReplace does so only
	// for the properties the write names. Entities left with no live value are tombstoned.
	WriteEntities(ctx context.Context, entitySetID uuid.UUID, writes []EntityWrite, mode model.UpdateMode, version int64) (int, error)
	// TombstoneProperties appends -version to the live values of propertyTypeIDs.
	TombstoneProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, version int64) (int, error)
	// TombstoneEntities appends -version to every live value and to the entity itself.
	TombstoneEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error)
	// DeleteProperties physically removes the values of propertyTypeIDs.
	// Entities left with no values get version 0.
	DeleteProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, version int64) (int, error)
	// DeleteEntities physically removes every value and sets version 0.
	DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error)

	// ReadEntities streams entities that have at least one visible value.
	ReadEntities(ctx context.Context, req ReadRequest, fn func(*EntityRecord) error) error
	// ReadLinkedEntities streams live entities carrying one of linkingIDs.
	ReadLinkedEntities(ctx context.Context, entitySetID uuid.UUID, linkingIDs, propertyTypeIDs []uuid.UUID, fn func(*EntityRecord) error) error
	// EntityMetadata returns metadata rows, including deleted entities.
	EntityMetadata(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]*model.EntityMetadata, error)
	// CellCount returns the number of stored value cells, tombstoned ones included.
	CellCount(ctx context.Context, entitySetID uuid.UUID) (int, error)

	MarkIndexed(ctx context.Context, entitySetID uuid.UUID, observed map[uuid.UUID]time.Time) (int, error)
	MarkLinkIndexed(ctx context.Context, entitySetID uuid.UUID, observed map[uuid.UUID]time.Time) (int, error)
	MarkUnindexed(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error)
	MarkNeedsLinking(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error)
	// MarkLinked records the linking ids assigned by deduplication and sets lastLink to at.
	MarkLinked(ctx context.Context, entitySetID uuid.UUID, linkingIDs map[uuid.UUID]uuid.UUID, at time.Time) (int, error)

	// DirtyEntities returns live entities with lastIndex < lastWrite.
	DirtyEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error)
	// UnindexedDeletes returns deleted entities (version <= 0) with lastIndex < lastWrite.
	UnindexedDeletes(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error)
	// LinkDirtyEntities returns linked entities with lastLink >= lastWrite > lastLinkIndex.
	LinkDirtyEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error)
	// ScanEntities returns any metadata rows, live or not.
	ScanEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error)

	// PurgeableEntities returns entities satisfying the purge eligibility predicate.
	PurgeableEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]uuid.UUID, error)
	// PurgeEntities removes values and metadata of entities still eligible for purge.
	PurgeEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error)
	// RetireEntities sets version 0 with lastWrite and lastIndex both at, for rows
	// already removed from the search index.
	RetireEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, at time.Time) (int, error)

	// ExpiringEntities returns entities with at least one value whose policy timestamp is at or before the cutoff.
	ExpiringEntities(ctx context.Context, entitySetID uuid.UUID, filter model.ExpirationFilter, limit int) ([]uuid.UUID, error)
	// DeleteEntityCells removes every value of the entities and returns how many entities lost values.
	DeleteEntityCells(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error)
	// DeleteMetadataRows removes metadata rows and returns how many were removed.
	DeleteMetadataRows(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// VersionTime returns the lastWrite a write at version records
func VersionTime(version int64) time.Time {
	return model.VersionTime(version)
}
