package client

import (
	"context"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// SearchClient pushes entity documents to the search index.
//
// A false result with a nil error means the index backend rejected the request;
// callers treat it like a transport failure and retry on a later run.
type SearchClient interface {
	// CreateBulkEntityData indexes documents of one entity set in its entity type's index.
	CreateBulkEntityData(ctx context.Context, entityTypeID, entitySetID uuid.UUID, entities map[uuid.UUID]model.Properties) (bool, error)
	// DeleteEntityDataBulk removes documents from an entity type's index.
	DeleteEntityDataBulk(ctx context.Context, entityTypeID uuid.UUID, entityKeyIDs []uuid.UUID) (bool, error)
	// CreateBulkLinkedData indexes merged documents of a linking entity set.
	CreateBulkLinkedData(ctx context.Context, linkingEntitySetID uuid.UUID, docs map[uuid.UUID]model.Properties) (bool, error)
	// DeleteLinkedData removes merged documents of a linking entity set.
	DeleteLinkedData(ctx context.Context, linkingEntitySetID uuid.UUID, linkingIDs []uuid.UUID) (bool, error)
	// EntityTypesWithIndices lists entity types whose index exists.
	EntityTypesWithIndices(ctx context.Context) ([]uuid.UUID, error)
	// SaveEntityType creates the index of an entity type.
	SaveEntityType(ctx context.Context, entityType *model.EntityType, propertyTypes []*model.PropertyType) (bool, error)
}
