package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/algorithm"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/clock"
)

// ReadQuery selects entities across entity sets.
// A nil key slice for an entity set reads the whole set; nil PropertyTypeIDs reads every property.
type ReadQuery struct {
	EntityKeyIDs    map[uuid.UUID][]uuid.UUID
	PropertyTypeIDs []uuid.UUID
	Metadata        []model.MetadataOption
	// AsOf reads values as of a version; zero reads current values.
	AsOf int64
}

// PropertyService is the versioned read/write/tombstone/delete entry point of the store
type PropertyService struct {
	router     *RoutingService
	entitySets store.EntitySetStore
	versions   *clock.VersionSource
	observer   Observer
	logger     *zap.Logger
}

// NewPropertyService creates a property service
func NewPropertyService(
	router *RoutingService,
	entitySets store.EntitySetStore,
	versions *clock.VersionSource,
	observer Observer,
	logger *zap.Logger,
) *PropertyService {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &PropertyService{
		router:     router,
		entitySets: entitySets,
		versions:   versions,
		observer:   observer,
		logger:     logger,
	}
}

// writableEntitySet loads an entity set and rejects linking sets, which have no own rows
func (s *PropertyService) writableEntitySet(ctx context.Context, entitySetID uuid.UUID) (*model.EntitySet, storage.Shard, error) {
	es, err := s.entitySets.GetEntitySet(ctx, entitySetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, storeerrors.NotFound("entity set", entitySetID.String())
	}
	if err != nil {
		return nil, nil, storeerrors.Transient("failed to look up entity set", err)
	}
	if es.IsLinking() {
		return nil, nil, storeerrors.InvalidArgument(
			fmt.Sprintf("entity set %s is a linking entity set and holds no data", entitySetID), nil)
	}
	shard, err := s.router.Resolve(ctx, entitySetID)
	if err != nil {
		return nil, nil, err
	}
	return es, shard, nil
}

// Upsert writes values in mode and returns the version they were written at
func (s *PropertyService) Upsert(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]model.Properties, mode model.UpdateMode) (model.WriteEvent, error) {
	switch mode {
	case model.UpdateModeMerge, model.UpdateModeReplace, model.UpdateModePartialReplace:
	default:
		return model.WriteEvent{}, storeerrors.InvalidArgument(fmt.Sprintf("unknown update mode %q", mode), nil)
	}
	if len(entities) == 0 {
		return model.WriteEvent{}, nil
	}

	es, shard, err := s.writableEntitySet(ctx, entitySetID)
	if err != nil {
		return model.WriteEvent{}, err
	}
	writes, err := s.prepareWrites(ctx, es, entities)
	if err != nil {
		return model.WriteEvent{}, err
	}

	version := s.versions.Next()
	n, err := shard.WriteEntities(ctx, entitySetID, writes, mode, version)
	if err != nil {
		return model.WriteEvent{}, storeerrors.Transient("failed to write entities", err)
	}

	event := model.WriteEvent{Version: version, NumUpdates: n}
	s.notify(ctx, entitySetID, writeKeys(writes), event)
	return event, nil
}

// Replace makes each payload the complete state of its entity
func (s *PropertyService) Replace(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]model.Properties) (model.WriteEvent, error) {
	return s.Upsert(ctx, entitySetID, entities, model.UpdateModeReplace)
}

// PartialReplace overwrites only the properties each payload names
func (s *PropertyService) PartialReplace(ctx context.Context, entitySetID uuid.UUID, entities map[uuid.UUID]model.Properties) (model.WriteEvent, error) {
	return s.Upsert(ctx, entitySetID, entities, model.UpdateModePartialReplace)
}

// prepareWrites normalizes and hashes every value
func (s *PropertyService) prepareWrites(ctx context.Context, es *model.EntitySet, entities map[uuid.UUID]model.Properties) ([]storage.EntityWrite, error) {
	seen := make(map[uuid.UUID]bool)
	var ptIDs []uuid.UUID
	for _, props := range entities {
		for id := range props {
			if !seen[id] {
				seen[id] = true
				ptIDs = append(ptIDs, id)
			}
		}
	}
	propertyTypes, err := s.propertyTypes(ctx, ptIDs)
	if err != nil {
		return nil, err
	}

	keys := make([]uuid.UUID, 0, len(entities))
	for key := range entities {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	writes := make([]storage.EntityWrite, 0, len(entities))
	for _, key := range keys {
		w := storage.EntityWrite{EntityKeyID: key, Partition: es.PartitionFor(key)}
		for ptID, values := range entities[key] {
			pt := propertyTypes[ptID]
			hashes := make(map[string]bool, len(values))
			for _, raw := range values {
				value, err := pt.Normalize(raw)
				if err != nil {
					return nil, storeerrors.InvalidArgument("invalid property value", err).
						WithDetail("entity_key_id", key.String())
				}
				hash, err := algorithm.ValueHash(value)
				if err != nil {
					return nil, storeerrors.InvalidArgument("unhashable property value", err)
				}
				if hashes[string(hash)] {
					continue
				}
				hashes[string(hash)] = true
				w.Cells = append(w.Cells, storage.CellWrite{PropertyTypeID: ptID, Hash: hash, Value: value})
			}
		}
		writes = append(writes, w)
	}
	return writes, nil
}

func (s *PropertyService) propertyTypes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.PropertyType, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*model.PropertyType{}, nil
	}
	propertyTypes, err := s.entitySets.GetPropertyTypes(ctx, ids)
	if errors.Is(err, store.ErrNotFound) {
		return nil, storeerrors.InvalidArgument("unknown property type", err)
	}
	if err != nil {
		return nil, storeerrors.Transient("failed to load property types", err)
	}
	return propertyTypes, nil
}

func writeKeys(writes []storage.EntityWrite) []uuid.UUID {
	keys := make([]uuid.UUID, len(writes))
	for i, w := range writes {
		keys[i] = w.EntityKeyID
	}
	return keys
}

func (s *PropertyService) notify(ctx context.Context, entitySetID uuid.UUID, keys []uuid.UUID, event model.WriteEvent) {
	if event.NumUpdates > 0 {
		s.observer.OnEntitiesChanged(ctx, entitySetID, keys, event)
	}
}

// Read streams matching entities to fn, one entity set after another
func (s *PropertyService) Read(ctx context.Context, q ReadQuery, fn func(*model.Entity) error) error {
	if q.AsOf < 0 {
		return storeerrors.InvalidArgument("as-of version must be positive", nil)
	}
	entitySetIDs := make([]uuid.UUID, 0, len(q.EntityKeyIDs))
	for id := range q.EntityKeyIDs {
		entitySetIDs = append(entitySetIDs, id)
	}
	sort.Slice(entitySetIDs, func(i, j int) bool { return entitySetIDs[i].String() < entitySetIDs[j].String() })

	for _, esID := range entitySetIDs {
		keys := q.EntityKeyIDs[esID]
		if keys != nil && len(keys) == 0 {
			keys = nil
		}
		shard, err := s.router.Resolve(ctx, esID)
		if err != nil {
			return err
		}
		req := storage.ReadRequest{
			EntitySetID:     esID,
			EntityKeyIDs:    keys,
			PropertyTypeIDs: q.PropertyTypeIDs,
			AsOf:            q.AsOf,
		}
		err = shard.ReadEntities(ctx, req, func(r *storage.EntityRecord) error {
			return fn(project(r, q.Metadata))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadEntitySet collects matching entities of one entity set
func (s *PropertyService) ReadEntitySet(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, propertyTypeIDs []uuid.UUID) (map[uuid.UUID]model.Properties, error) {
	out := make(map[uuid.UUID]model.Properties)
	q := ReadQuery{
		EntityKeyIDs:    map[uuid.UUID][]uuid.UUID{entitySetID: entityKeyIDs},
		PropertyTypeIDs: propertyTypeIDs,
	}
	err := s.Read(ctx, q, func(e *model.Entity) error {
		out[e.EntityKeyID] = e.Properties
		return nil
	})
	return out, err
}

func project(r *storage.EntityRecord, options []model.MetadataOption) *model.Entity {
	e := &model.Entity{
		EntitySetID: r.Metadata.EntitySetID,
		EntityKeyID: r.Metadata.EntityKeyID,
		Properties:  r.Properties,
	}
	if len(options) == 0 {
		return e
	}
	e.Metadata = make(map[model.MetadataOption]any, len(options))
	for _, opt := range options {
		switch opt {
		case model.MetadataLastWrite:
			e.Metadata[opt] = r.Metadata.LastWrite
		case model.MetadataLastIndex:
			e.Metadata[opt] = r.Metadata.LastIndex
		case model.MetadataVersion:
			e.Metadata[opt] = r.Metadata.Version
		case model.MetadataEntitySetID:
			e.Metadata[opt] = r.Metadata.EntitySetID
		case model.MetadataEntityKeyID:
			e.Metadata[opt] = r.Metadata.EntityKeyID
		case model.MetadataLinkingID:
			if r.Metadata.LinkingID != nil {
				e.Metadata[opt] = *r.Metadata.LinkingID
			}
		}
	}
	return e
}

// normalizeKeys turns an empty filter into the whole entity set
func normalizeKeys(entityKeyIDs []uuid.UUID) []uuid.UUID {
	if len(entityKeyIDs) == 0 {
		return nil
	}
	return entityKeyIDs
}

// Clear tombstones properties of entities, or the whole entities when propertyTypeIDs is empty
func (s *PropertyService) Clear(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID) (model.WriteEvent, error) {
	_, shard, err := s.writableEntitySet(ctx, entitySetID)
	if err != nil {
		return model.WriteEvent{}, err
	}
	keys := normalizeKeys(entityKeyIDs)
	version := s.versions.Next()

	var n int
	if len(propertyTypeIDs) == 0 {
		n, err = shard.TombstoneEntities(ctx, entitySetID, keys, version)
	} else {
		n, err = shard.TombstoneProperties(ctx, entitySetID, keys, propertyTypeIDs, version)
	}
	if err != nil {
		return model.WriteEvent{}, storeerrors.Transient("failed to clear entities", err)
	}

	event := model.WriteEvent{Version: -version, NumUpdates: n}
	s.notify(ctx, entitySetID, keys, event)
	return event, nil
}

// DeleteProperties physically removes property values; entities left empty await purge
func (s *PropertyService) DeleteProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID) (model.WriteEvent, error) {
	if len(propertyTypeIDs) == 0 {
		return model.WriteEvent{}, storeerrors.InvalidArgument("property types are required", nil)
	}
	_, shard, err := s.writableEntitySet(ctx, entitySetID)
	if err != nil {
		return model.WriteEvent{}, err
	}
	keys := normalizeKeys(entityKeyIDs)
	version := s.versions.Next()

	n, err := shard.DeleteProperties(ctx, entitySetID, keys, propertyTypeIDs, version)
	if err != nil {
		return model.WriteEvent{}, storeerrors.Transient("failed to delete properties", err)
	}

	event := model.WriteEvent{Version: version, NumUpdates: n}
	s.notify(ctx, entitySetID, keys, event)
	return event, nil
}

// DeleteEntities removes every value of the entities and marks them for purge
func (s *PropertyService) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (model.WriteEvent, error) {
	_, shard, err := s.writableEntitySet(ctx, entitySetID)
	if err != nil {
		return model.WriteEvent{}, err
	}
	keys := normalizeKeys(entityKeyIDs)
	version := s.versions.Next()

	n, err := shard.DeleteEntities(ctx, entitySetID, keys, version)
	if err != nil {
		return model.WriteEvent{}, storeerrors.Transient("failed to delete entities", err)
	}

	event := model.WriteEvent{Version: version, NumUpdates: n}
	s.notify(ctx, entitySetID, keys, event)
	return event, nil
}

// GetLinkedEntities merges the live members of each linking id across entity sets.
// Values present in several members appear once, attributed to every origin when withOrigins is set.
func (s *PropertyService) GetLinkedEntities(
	ctx context.Context,
	linkingIDsByEntitySet map[uuid.UUID][]uuid.UUID,
	propertyTypesByEntitySet map[uuid.UUID][]uuid.UUID,
	withOrigins bool,
) (map[uuid.UUID]*model.LinkedEntity, error) {
	out := make(map[uuid.UUID]*model.LinkedEntity)
	seen := make(map[uuid.UUID]map[uuid.UUID]map[string]bool)

	entitySetIDs := make([]uuid.UUID, 0, len(linkingIDsByEntitySet))
	for id := range linkingIDsByEntitySet {
		entitySetIDs = append(entitySetIDs, id)
	}
	sort.Slice(entitySetIDs, func(i, j int) bool { return entitySetIDs[i].String() < entitySetIDs[j].String() })

	for _, esID := range entitySetIDs {
		linkingIDs := linkingIDsByEntitySet[esID]
		if len(linkingIDs) == 0 {
			continue
		}
		shard, err := s.router.Resolve(ctx, esID)
		if err != nil {
			return nil, err
		}
		err = shard.ReadLinkedEntities(ctx, esID, linkingIDs, propertyTypesByEntitySet[esID], func(r *storage.EntityRecord) error {
			linkingID := *r.Metadata.LinkingID
			linked, ok := out[linkingID]
			if !ok {
				linked = &model.LinkedEntity{LinkingID: linkingID, Properties: make(model.Properties)}
				if withOrigins {
					linked.Origins = make(map[uuid.UUID][]model.AttributedValue)
				}
				out[linkingID] = linked
				seen[linkingID] = make(map[uuid.UUID]map[string]bool)
			}
			origin := model.EntityDataKey{EntitySetID: esID, EntityKeyID: r.Metadata.EntityKeyID}
			linked.Members = append(linked.Members, origin)

			for ptID, values := range r.Properties {
				if seen[linkingID][ptID] == nil {
					seen[linkingID][ptID] = make(map[string]bool)
				}
				for _, v := range values {
					if withOrigins {
						linked.Origins[ptID] = append(linked.Origins[ptID], model.AttributedValue{Value: v, Origin: origin})
					}
					hash, err := algorithm.ValueHash(v)
					if err != nil {
						return err
					}
					if seen[linkingID][ptID][string(hash)] {
						continue
					}
					seen[linkingID][ptID][string(hash)] = true
					linked.Properties[ptID] = append(linked.Properties[ptID], v)
				}
			}
			return nil
		})
		if err != nil {
			return nil, storeerrors.Transient("failed to read linked entities", err)
		}
	}
	return out, nil
}

// GetEntityKeyIDsOfLinkingIDs returns the live members of each linking id among entitySetIDs
func (s *PropertyService) GetEntityKeyIDsOfLinkingIDs(ctx context.Context, linkingIDs, entitySetIDs []uuid.UUID) (map[uuid.UUID][]model.EntityDataKey, error) {
	byEntitySet := make(map[uuid.UUID][]uuid.UUID, len(entitySetIDs))
	for _, esID := range entitySetIDs {
		byEntitySet[esID] = linkingIDs
	}
	linked, err := s.GetLinkedEntities(ctx, byEntitySet, nil, false)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]model.EntityDataKey, len(linked))
	for id, l := range linked {
		out[id] = l.Members
	}
	return out, nil
}
