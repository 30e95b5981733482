package client

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// IndexedDocument is one entity document held by InMemorySearchClient
type IndexedDocument struct {
	EntitySetID uuid.UUID
	Properties  model.Properties
}

// InMemorySearchClient is a SearchClient keeping every index in process memory.
// Pushes can be made to fail per entity set to exercise retry paths.
type InMemorySearchClient struct {
	mu           sync.RWMutex
	indices      map[uuid.UUID]map[uuid.UUID]IndexedDocument
	linked       map[uuid.UUID]map[uuid.UUID]model.Properties
	reject       map[uuid.UUID]bool
	rejectDelete bool
	pushes       int
}

// NewInMemorySearchClient creates an empty search client
func NewInMemorySearchClient() *InMemorySearchClient {
	return &InMemorySearchClient{
		indices: make(map[uuid.UUID]map[uuid.UUID]IndexedDocument),
		linked:  make(map[uuid.UUID]map[uuid.UUID]model.Properties),
		reject:  make(map[uuid.UUID]bool),
	}
}

var _ SearchClient = (*InMemorySearchClient)(nil)

// Reject makes pushes for entitySetID (an entity set or a linking entity set) fail until cleared
func (c *InMemorySearchClient) Reject(entitySetID uuid.UUID, reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reject {
		c.reject[entitySetID] = true
		return
	}
	delete(c.reject, entitySetID)
}

// RejectDeletes makes every delete request fail until cleared
func (c *InMemorySearchClient) RejectDeletes(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectDelete = reject
}

func (c *InMemorySearchClient) CreateBulkEntityData(ctx context.Context, entityTypeID, entitySetID uuid.UUID, entities map[uuid.UUID]model.Properties) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushes++
	if c.reject[entitySetID] {
		return false, nil
	}
	index, ok := c.indices[entityTypeID]
	if !ok {
		index = make(map[uuid.UUID]IndexedDocument)
		c.indices[entityTypeID] = index
	}
	for id, props := range entities {
		index[id] = IndexedDocument{EntitySetID: entitySetID, Properties: copyProperties(props)}
	}
	return true, nil
}

func (c *InMemorySearchClient) DeleteEntityDataBulk(ctx context.Context, entityTypeID uuid.UUID, entityKeyIDs []uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rejectDelete {
		return false, nil
	}
	index := c.indices[entityTypeID]
	for _, id := range entityKeyIDs {
		delete(index, id)
	}
	return true, nil
}

func (c *InMemorySearchClient) CreateBulkLinkedData(ctx context.Context, linkingEntitySetID uuid.UUID, docs map[uuid.UUID]model.Properties) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushes++
	if c.reject[linkingEntitySetID] {
		return false, nil
	}
	index, ok := c.linked[linkingEntitySetID]
	if !ok {
		index = make(map[uuid.UUID]model.Properties)
		c.linked[linkingEntitySetID] = index
	}
	for id, props := range docs {
		index[id] = copyProperties(props)
	}
	return true, nil
}

func (c *InMemorySearchClient) DeleteLinkedData(ctx context.Context, linkingEntitySetID uuid.UUID, linkingIDs []uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rejectDelete {
		return false, nil
	}
	for _, id := range linkingIDs {
		delete(c.linked[linkingEntitySetID], id)
	}
	return true, nil
}

func (c *InMemorySearchClient) EntityTypesWithIndices(ctx context.Context) ([]uuid.UUID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(c.indices))
	for id := range c.indices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (c *InMemorySearchClient) SaveEntityType(ctx context.Context, entityType *model.EntityType, propertyTypes []*model.PropertyType) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.indices[entityType.ID]; !ok {
		c.indices[entityType.ID] = make(map[uuid.UUID]IndexedDocument)
	}
	return true, nil
}

// Document returns the indexed document of an entity
func (c *InMemorySearchClient) Document(entityTypeID, entityKeyID uuid.UUID) (IndexedDocument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.indices[entityTypeID][entityKeyID]
	return doc, ok
}

// LinkedDocument returns the merged document of a linking id
func (c *InMemorySearchClient) LinkedDocument(linkingEntitySetID, linkingID uuid.UUID) (model.Properties, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.linked[linkingEntitySetID][linkingID]
	return doc, ok
}

// Pushes returns the number of create requests received
func (c *InMemorySearchClient) Pushes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pushes
}

func copyProperties(props model.Properties) model.Properties {
	out := make(model.Properties, len(props))
	for id, values := range props {
		out[id] = append([]any(nil), values...)
	}
	return out
}
