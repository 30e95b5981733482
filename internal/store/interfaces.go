package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("not found")

// EntitySetStore holds entity set, entity type and property type definitions
type EntitySetStore interface {
	// Entity set operations
	GetEntitySet(ctx context.Context, id uuid.UUID) (*model.EntitySet, error)
	ListEntitySets(ctx context.Context) ([]*model.EntitySet, error)
	CreateEntitySet(ctx context.Context, es *model.EntitySet) error
	SetExpirationPolicy(ctx context.Context, id uuid.UUID, policy *model.ExpirationPolicy) error
	// DeleteEntitySet removes the definition and records it as pending deletion in one step.
	DeleteEntitySet(ctx context.Context, id uuid.UUID, deletedAt time.Time) error

	// Pending deletion tracking
	ListDeletedEntitySets(ctx context.Context) ([]*model.DeletedEntitySet, error)
	RemoveDeletedEntitySet(ctx context.Context, id uuid.UUID) error

	// Type operations
	GetEntityType(ctx context.Context, id uuid.UUID) (*model.EntityType, error)
	CreateEntityType(ctx context.Context, et *model.EntityType) error
	GetPropertyTypes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.PropertyType, error)
	CreatePropertyType(ctx context.Context, pt *model.PropertyType) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// LeaseStore holds time-bounded claims. A lease value records its expiry and owner;
// expired leases stay in place until a new claim replaces them or the scavenger removes them.
type LeaseStore interface {
	// TryAcquire claims key for owner until now+ttl unless an unexpired lease exists.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends a lease owner still holds.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops a lease owner holds.
	Release(ctx context.Context, key, owner string) (bool, error)
	// Holder returns the owner and expiry of key.
	Holder(ctx context.Context, key string) (string, time.Time, error)
	// ScavengeExpired removes expired leases under prefix.
	ScavengeExpired(ctx context.Context, prefix string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// EdgeStore holds association edges between entities
type EdgeStore interface {
	AddEdges(ctx context.Context, edges []*model.Edge) error
	// EdgesOf returns live edges touching any entity of entitySetID, or only
	// entityKeyIDs when not nil.
	EdgesOf(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]*model.Edge, error)
	// ClearEdges tombstones edges touching the given entities.
	ClearEdges(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error)
	// DeleteEdges removes edges touching the given entities.
	DeleteEdges(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error)
	// NeighborAssociationSets returns association entity sets with an edge touching entitySetID.
	NeighborAssociationSets(ctx context.Context, entitySetID uuid.UUID) ([]uuid.UUID, error)
}
