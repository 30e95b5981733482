package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
)

// IndexingMetadataService records indexing and linking progress on entity metadata rows
type IndexingMetadataService struct {
	router *RoutingService
	logger *zap.Logger
}

// NewIndexingMetadataService creates an indexing metadata service
func NewIndexingMetadataService(router *RoutingService, logger *zap.Logger) *IndexingMetadataService {
	return &IndexingMetadataService{router: router, logger: logger}
}

// MarkIndexed sets lastIndex to the observed lastWrite of each entity.
// Entities written again since they were observed stay dirty.
func (s *IndexingMetadataService) MarkIndexed(ctx context.Context, observed map[uuid.UUID]map[uuid.UUID]time.Time) (int, error) {
	total := 0
	for esID, entities := range observed {
		if len(entities) == 0 {
			continue
		}
		shard, err := s.router.Resolve(ctx, esID)
		if err != nil {
			return total, err
		}
		n, err := shard.MarkIndexed(ctx, esID, entities)
		if err != nil {
			return total, storeerrors.Transient("failed to mark entities indexed", err)
		}
		total += n
	}
	return total, nil
}

// MarkLinkedIndexed sets lastLinkIndex to the observed lastWrite of each entity
func (s *IndexingMetadataService) MarkLinkedIndexed(ctx context.Context, observed map[uuid.UUID]map[uuid.UUID]time.Time) (int, error) {
	total := 0
	for esID, entities := range observed {
		if len(entities) == 0 {
			continue
		}
		shard, err := s.router.Resolve(ctx, esID)
		if err != nil {
			return total, err
		}
		n, err := shard.MarkLinkIndexed(ctx, esID, entities)
		if err != nil {
			return total, storeerrors.Transient("failed to mark entities link indexed", err)
		}
		total += n
	}
	return total, nil
}

// MarkUnindexed resets lastIndex so the entities are pushed again
func (s *IndexingMetadataService) MarkUnindexed(ctx context.Context, entityKeyIDs map[uuid.UUID][]uuid.UUID) (int, error) {
	total := 0
	for esID, keys := range entityKeyIDs {
		if len(keys) == 0 {
			continue
		}
		shard, err := s.router.Resolve(ctx, esID)
		if err != nil {
			return total, err
		}
		n, err := shard.MarkUnindexed(ctx, esID, keys)
		if err != nil {
			return total, storeerrors.Transient("failed to mark entities unindexed", err)
		}
		total += n
	}
	return total, nil
}

// MarkEntitySetUnindexed resets lastIndex of every entity of an entity set
func (s *IndexingMetadataService) MarkEntitySetUnindexed(ctx context.Context, entitySetID uuid.UUID) (int, error) {
	shard, err := s.router.Resolve(ctx, entitySetID)
	if err != nil {
		return 0, err
	}
	n, err := shard.MarkUnindexed(ctx, entitySetID, nil)
	if err != nil {
		return 0, storeerrors.Transient("failed to mark entity set unindexed", err)
	}
	s.logger.Info("Marked entity set for reindexing",
		zap.String("entity_set_id", entitySetID.String()),
		zap.Int("entities", n))
	return n, nil
}

// MarkNeedsLinking flags entities for the linking pipeline, one round trip per shard and entity set
func (s *IndexingMetadataService) MarkNeedsLinking(ctx context.Context, keys []model.EntityDataKey) (int, error) {
	groups, err := GroupByShard(ctx, s.router, keys, func(k model.EntityDataKey) uuid.UUID { return k.EntitySetID })
	if err != nil {
		return 0, err
	}

	total := 0
	for name, group := range groups {
		shard, err := s.router.ResolveShardName(ctx, name)
		if err != nil {
			return total, err
		}
		byEntitySet := make(map[uuid.UUID][]uuid.UUID)
		for _, k := range group {
			byEntitySet[k.EntitySetID] = append(byEntitySet[k.EntitySetID], k.EntityKeyID)
		}
		for esID, ids := range byEntitySet {
			n, err := shard.MarkNeedsLinking(ctx, esID, ids)
			if err != nil {
				return total, storeerrors.Transient("failed to mark entities for linking", err)
			}
			total += n
		}
	}
	return total, nil
}

// MarkLinked records linking ids assigned to entities of one entity set
func (s *IndexingMetadataService) MarkLinked(ctx context.Context, entitySetID uuid.UUID, linkingIDs map[uuid.UUID]uuid.UUID, at time.Time) (int, error) {
	if len(linkingIDs) == 0 {
		return 0, nil
	}
	shard, err := s.router.Resolve(ctx, entitySetID)
	if err != nil {
		return 0, err
	}
	n, err := shard.MarkLinked(ctx, entitySetID, linkingIDs, at)
	if err != nil {
		return 0, storeerrors.Transient("failed to record linking ids", err)
	}
	return n, nil
}

// LinkingIDs returns the linking ids carried by entities of an entity set, deleted ones included.
// Nil entityKeyIDs covers the whole entity set.
func (s *IndexingMetadataService) LinkingIDs(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	shard, err := s.router.Resolve(ctx, entitySetID)
	if err != nil {
		return nil, err
	}
	rows, err := shard.EntityMetadata(ctx, entitySetID, entityKeyIDs)
	if err != nil {
		return nil, storeerrors.Transient("failed to read entity metadata", err)
	}
	out := make(map[uuid.UUID]uuid.UUID)
	for _, meta := range rows {
		if meta.LinkingID != nil {
			out[meta.EntityKeyID] = *meta.LinkingID
		}
	}
	return out, nil
}

// MarkDeletedNeedsLinking flags the linked entities among entityKeyIDs after they were
// cleared or deleted, so the linker reassigns them and merged documents drop their values.
// Nil entityKeyIDs covers the whole entity set.
func (s *IndexingMetadataService) MarkDeletedNeedsLinking(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	linked, err := s.LinkingIDs(ctx, entitySetID, entityKeyIDs)
	if err != nil {
		return 0, err
	}
	if len(linked) == 0 {
		return 0, nil
	}
	keys := make([]model.EntityDataKey, 0, len(linked))
	for key := range linked {
		keys = append(keys, model.EntityDataKey{EntitySetID: entitySetID, EntityKeyID: key})
	}
	return s.MarkNeedsLinking(ctx, keys)
}

// MarkMembersNeedLinking flags the live members of linkingIDs in entitySetIDs.
// It is used when deleted members left no metadata row to flag.
func (s *IndexingMetadataService) MarkMembersNeedLinking(ctx context.Context, linkingIDs, entitySetIDs []uuid.UUID) (int, error) {
	if len(linkingIDs) == 0 {
		return 0, nil
	}
	var keys []model.EntityDataKey
	for _, esID := range entitySetIDs {
		shard, err := s.router.Resolve(ctx, esID)
		if err != nil {
			return 0, err
		}
		err = shard.ReadLinkedEntities(ctx, esID, linkingIDs, nil, func(r *storage.EntityRecord) error {
			keys = append(keys, model.EntityDataKey{EntitySetID: esID, EntityKeyID: r.Metadata.EntityKeyID})
			return nil
		})
		if err != nil {
			return 0, storeerrors.Transient("failed to read linked entities", err)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.MarkNeedsLinking(ctx, keys)
}
