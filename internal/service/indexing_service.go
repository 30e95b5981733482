package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/client"
	"github.com/devrev/entitystore/internal/config"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/workerpool"
)

// dirtyFetchChunks is how many push chunks one dirty fetch covers
const dirtyFetchChunks = 10

// IndexingService keeps the search index in step with written entities
type IndexingService struct {
	entitySets store.EntitySetStore
	router     *RoutingService
	properties *PropertyService
	tracker    *IndexingMetadataService
	search     client.SearchClient
	leases     *LeaseService
	pool       *workerpool.WorkerPool
	cfg        config.SchedulerConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger

	scheduler *periodic
}

// NewIndexingService creates the indexing reconciliation scheduler
func NewIndexingService(
	entitySets store.EntitySetStore,
	router *RoutingService,
	properties *PropertyService,
	tracker *IndexingMetadataService,
	search client.SearchClient,
	leases *LeaseService,
	cfg config.SchedulerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IndexingService {
	cfg = withDefaults(cfg)
	s := &IndexingService{
		entitySets: entitySets,
		router:     router,
		properties: properties,
		tracker:    tracker,
		search:     search,
		leases:     leases,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "indexing",
			MaxWorkers: cfg.Workers,
			Logger:     logger,
		}),
	}
	s.scheduler = newPeriodic("indexing", cfg.Period, s.run, m, logger)
	return s
}

// Start begins periodic runs
func (s *IndexingService) Start(ctx context.Context) {
	s.scheduler.start(ctx)
}

// Stop ends periodic runs and waits for the current one
func (s *IndexingService) Stop() {
	s.scheduler.stop()
	if err := s.pool.Stop(30 * time.Second); err != nil {
		s.logger.Warn("Indexing worker pool did not stop cleanly", zap.Error(err))
	}
}

// RunOnce performs a single run; it reports false if a run was already in progress
func (s *IndexingService) RunOnce(ctx context.Context) (bool, error) {
	return s.scheduler.runOnce(ctx)
}

// ReindexEntitySet forces every entity of an entity set to be pushed again
func (s *IndexingService) ReindexEntitySet(ctx context.Context, entitySetID uuid.UUID) (int, error) {
	return s.tracker.MarkEntitySetUnindexed(ctx, entitySetID)
}

func (s *IndexingService) run(ctx context.Context) error {
	entitySets, err := s.entitySets.ListEntitySets(ctx)
	if err != nil {
		return storeerrors.Transient("failed to list entity sets", err)
	}
	unavailable, err := s.ensureIndices(ctx, entitySets)
	if err != nil {
		return err
	}

	byID := make(map[uuid.UUID]*model.EntitySet, len(entitySets))
	candidates := make([]uuid.UUID, 0, len(entitySets))
	for _, es := range entitySets {
		if es.IsLinking() || unavailable[es.EntityTypeID] {
			continue
		}
		byID[es.ID] = es
		candidates = append(candidates, es.ID)
	}

	claimed, failed := sweep(ctx, "indexing", s.leases, DomainIndexing, s.cfg.LeaseDuration, s.pool, candidates,
		func(ctx context.Context, id uuid.UUID) error {
			return s.indexEntitySet(ctx, byID[id])
		}, s.metrics, s.logger)

	s.logger.Debug("Indexing run finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("claimed", claimed),
		zap.Int("failed", failed))
	return nil
}

// ensureIndices creates the search index of every entity type in use that lacks one.
// It returns the entity types whose index could not be created; their entity sets
// are skipped this run while every other entity set is still indexed.
func (s *IndexingService) ensureIndices(ctx context.Context, entitySets []*model.EntitySet) (map[uuid.UUID]bool, error) {
	existing, err := s.search.EntityTypesWithIndices(ctx)
	if err != nil {
		return nil, storeerrors.IndexPushFailed("failed to list search indices", err)
	}
	have := make(map[uuid.UUID]bool, len(existing))
	for _, id := range existing {
		have[id] = true
	}

	unavailable := make(map[uuid.UUID]bool)
	for _, es := range entitySets {
		if have[es.EntityTypeID] || unavailable[es.EntityTypeID] {
			continue
		}
		if err := s.ensureIndex(ctx, es.EntityTypeID); err != nil {
			unavailable[es.EntityTypeID] = true
			s.metrics.RecordEntitySetFailure("indexing")
			s.logger.Warn("Skipping entity sets without a search index",
				zap.String("entity_type_id", es.EntityTypeID.String()),
				zap.Error(err))
			continue
		}
		have[es.EntityTypeID] = true
	}
	return unavailable, nil
}

func (s *IndexingService) ensureIndex(ctx context.Context, entityTypeID uuid.UUID) error {
	entityType, propertyTypes, err := loadEntityType(ctx, s.entitySets, entityTypeID)
	if err != nil {
		return err
	}
	list := make([]*model.PropertyType, 0, len(propertyTypes))
	for _, id := range entityType.PropertyTypeIDs {
		if pt := propertyTypes[id]; pt != nil {
			list = append(list, pt)
		}
	}
	ok, err := s.search.SaveEntityType(ctx, entityType, list)
	if err != nil || !ok {
		s.metrics.RecordPushFailure("save_entity_type")
		return storeerrors.IndexPushFailed(fmt.Sprintf("failed to create index for entity type %s", entityType.ID), err)
	}
	s.logger.Info("Created search index", zap.String("entity_type_id", entityType.ID.String()))
	return nil
}

func loadEntityType(ctx context.Context, entitySets store.EntitySetStore, id uuid.UUID) (*model.EntityType, map[uuid.UUID]*model.PropertyType, error) {
	entityType, err := entitySets.GetEntityType(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, storeerrors.NotFound("entity type", id.String())
	}
	if err != nil {
		return nil, nil, storeerrors.Transient("failed to load entity type", err)
	}
	propertyTypes, err := entitySets.GetPropertyTypes(ctx, entityType.PropertyTypeIDs)
	if err != nil {
		return nil, nil, storeerrors.Transient("failed to load property types", err)
	}
	return entityType, propertyTypes, nil
}

// indexablePropertyTypes returns the non-binary property types of an entity type
func indexablePropertyTypes(ctx context.Context, entitySets store.EntitySetStore, entityTypeID uuid.UUID) ([]uuid.UUID, error) {
	entityType, propertyTypes, err := loadEntityType(ctx, entitySets, entityTypeID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(entityType.PropertyTypeIDs))
	for _, id := range entityType.PropertyTypeIDs {
		if pt := propertyTypes[id]; pt != nil && !pt.IsBinary() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *IndexingService) indexEntitySet(ctx context.Context, es *model.EntitySet) error {
	shard, err := s.router.Resolve(ctx, es.ID)
	if err != nil {
		return err
	}
	propertyTypeIDs, err := indexablePropertyTypes(ctx, s.entitySets, es.EntityTypeID)
	if err != nil {
		return err
	}

	fetch := s.cfg.BatchSize * dirtyFetchChunks
	for {
		dirty, err := shard.DirtyEntities(ctx, es.ID, fetch)
		if err != nil {
			return storeerrors.Transient("failed to find dirty entities", err)
		}
		for _, chunk := range chunks(dirty, s.cfg.BatchSize) {
			if err := s.pushChunk(ctx, es, propertyTypeIDs, chunk); err != nil {
				return err
			}
		}
		if len(dirty) < fetch {
			break
		}
		if err := s.leases.Keep(ctx, DomainIndexing, es.ID, s.cfg.LeaseDuration); err != nil {
			return err
		}
	}

	for {
		deleted, err := shard.UnindexedDeletes(ctx, es.ID, fetch)
		if err != nil {
			return storeerrors.Transient("failed to find deleted entities", err)
		}
		for _, chunk := range chunks(deleted, s.cfg.BatchSize) {
			if err := s.unindexChunk(ctx, es, chunk); err != nil {
				return err
			}
		}
		if len(deleted) < fetch {
			return nil
		}
		if err := s.leases.Keep(ctx, DomainIndexing, es.ID, s.cfg.LeaseDuration); err != nil {
			return err
		}
	}
}

// pushChunk indexes one chunk and marks it clean at the lastWrite observed before the push
func (s *IndexingService) pushChunk(ctx context.Context, es *model.EntitySet, propertyTypeIDs []uuid.UUID, chunk []model.EntityWatermark) error {
	keys := make([]uuid.UUID, len(chunk))
	observed := make(map[uuid.UUID]time.Time, len(chunk))
	for i, w := range chunk {
		keys[i] = w.EntityKeyID
		observed[w.EntityKeyID] = w.LastWrite
	}

	docs := make(map[uuid.UUID]model.Properties, len(keys))
	if len(propertyTypeIDs) > 0 {
		data, err := s.properties.ReadEntitySet(ctx, es.ID, keys, propertyTypeIDs)
		if err != nil {
			return storeerrors.Transient("failed to load entity data", err)
		}
		docs = data
	}
	for _, key := range keys {
		if _, ok := docs[key]; !ok {
			docs[key] = model.Properties{}
		}
	}

	ok, err := s.search.CreateBulkEntityData(ctx, es.EntityTypeID, es.ID, docs)
	if err != nil || !ok {
		s.metrics.RecordPushFailure("index")
		return storeerrors.IndexPushFailed(fmt.Sprintf("search index rejected %d entities", len(docs)), err).
			WithDetail("entity_set_id", es.ID.String())
	}

	n, err := s.tracker.MarkIndexed(ctx, map[uuid.UUID]map[uuid.UUID]time.Time{es.ID: observed})
	if err != nil {
		return err
	}
	s.metrics.RecordIndexed(es.ID.String(), n)
	return nil
}

// unindexChunk removes deleted entities from the index, then marks them clean
func (s *IndexingService) unindexChunk(ctx context.Context, es *model.EntitySet, chunk []model.EntityWatermark) error {
	keys := make([]uuid.UUID, len(chunk))
	observed := make(map[uuid.UUID]time.Time, len(chunk))
	for i, w := range chunk {
		keys[i] = w.EntityKeyID
		observed[w.EntityKeyID] = w.LastWrite
	}

	ok, err := s.search.DeleteEntityDataBulk(ctx, es.EntityTypeID, keys)
	if err != nil || !ok {
		s.metrics.RecordPushFailure("unindex")
		return storeerrors.IndexPushFailed(fmt.Sprintf("search index rejected removal of %d entities", len(keys)), err).
			WithDetail("entity_set_id", es.ID.String())
	}

	n, err := s.tracker.MarkIndexed(ctx, map[uuid.UUID]map[uuid.UUID]time.Time{es.ID: observed})
	if err != nil {
		return err
	}
	s.metrics.RecordUnindexed(es.ID.String(), n)
	return nil
}
