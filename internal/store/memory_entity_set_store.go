package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// InMemoryEntitySetStore implements EntitySetStore with maps
type InMemoryEntitySetStore struct {
	mu            sync.RWMutex
	entitySets    map[uuid.UUID]*model.EntitySet
	deleted       map[uuid.UUID]*model.DeletedEntitySet
	entityTypes   map[uuid.UUID]*model.EntityType
	propertyTypes map[uuid.UUID]*model.PropertyType
}

// NewInMemoryEntitySetStore creates an empty store
func NewInMemoryEntitySetStore() *InMemoryEntitySetStore {
	return &InMemoryEntitySetStore{
		entitySets:    make(map[uuid.UUID]*model.EntitySet),
		deleted:       make(map[uuid.UUID]*model.DeletedEntitySet),
		entityTypes:   make(map[uuid.UUID]*model.EntityType),
		propertyTypes: make(map[uuid.UUID]*model.PropertyType),
	}
}

var _ EntitySetStore = (*InMemoryEntitySetStore)(nil)

func copyEntitySet(es *model.EntitySet) *model.EntitySet {
	out := *es
	out.Partitions = append([]int(nil), es.Partitions...)
	out.Flags = append([]model.EntitySetFlag(nil), es.Flags...)
	out.LinkedEntitySetIDs = append([]uuid.UUID(nil), es.LinkedEntitySetIDs...)
	if es.Expiration != nil {
		policy := *es.Expiration
		out.Expiration = &policy
	}
	return &out
}

func (s *InMemoryEntitySetStore) GetEntitySet(ctx context.Context, id uuid.UUID) (*model.EntitySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.entitySets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntitySet(es), nil
}

func (s *InMemoryEntitySetStore) ListEntitySets(ctx context.Context) ([]*model.EntitySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.EntitySet, 0, len(s.entitySets))
	for _, es := range s.entitySets {
		out = append(out, copyEntitySet(es))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *InMemoryEntitySetStore) CreateEntitySet(ctx context.Context, es *model.EntitySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entitySets[es.ID]; exists {
		return fmt.Errorf("entity set %s already exists", es.ID)
	}
	s.entitySets[es.ID] = copyEntitySet(es)
	return nil
}

func (s *InMemoryEntitySetStore) SetExpirationPolicy(ctx context.Context, id uuid.UUID, policy *model.ExpirationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.entitySets[id]
	if !ok {
		return ErrNotFound
	}
	if policy == nil {
		es.Expiration = nil
		return nil
	}
	p := *policy
	es.Expiration = &p
	return nil
}

func (s *InMemoryEntitySetStore) DeleteEntitySet(ctx context.Context, id uuid.UUID, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.entitySets[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.entitySets, id)
	s.deleted[id] = &model.DeletedEntitySet{
		ID:           es.ID,
		EntityTypeID: es.EntityTypeID,
		DataSource:   es.DataSource,
		DeletedAt:    deletedAt,
	}
	return nil
}

func (s *InMemoryEntitySetStore) ListDeletedEntitySets(ctx context.Context) ([]*model.DeletedEntitySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.DeletedEntitySet, 0, len(s.deleted))
	for _, d := range s.deleted {
		copied := *d
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	return out, nil
}

func (s *InMemoryEntitySetStore) RemoveDeletedEntitySet(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, id)
	return nil
}

func (s *InMemoryEntitySetStore) GetEntityType(ctx context.Context, id uuid.UUID) (*model.EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	et, ok := s.entityTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *et
	out.PropertyTypeIDs = append([]uuid.UUID(nil), et.PropertyTypeIDs...)
	return &out, nil
}

func (s *InMemoryEntitySetStore) CreateEntityType(ctx context.Context, et *model.EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *et
	copied.PropertyTypeIDs = append([]uuid.UUID(nil), et.PropertyTypeIDs...)
	s.entityTypes[et.ID] = &copied
	return nil
}

func (s *InMemoryEntitySetStore) GetPropertyTypes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.PropertyType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]*model.PropertyType, len(ids))
	for _, id := range ids {
		pt, ok := s.propertyTypes[id]
		if !ok {
			return nil, fmt.Errorf("property type %s: %w", id, ErrNotFound)
		}
		copied := *pt
		out[id] = &copied
	}
	return out, nil
}

func (s *InMemoryEntitySetStore) CreatePropertyType(ctx context.Context, pt *model.PropertyType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *pt
	s.propertyTypes[pt.ID] = &copied
	return nil
}

func (s *InMemoryEntitySetStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryEntitySetStore) Close() {}
