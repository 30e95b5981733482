package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/entitystore/internal/client"
	"github.com/devrev/entitystore/internal/config"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/workerpool"
)

// LinkingIndexingService pushes merged documents of linked entities to every
// linking entity set interested in them.
type LinkingIndexingService struct {
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

// NewLinkingIndexingService creates the linked entity indexing scheduler
func NewLinkingIndexingService(
	entitySets store.EntitySetStore,
	router *RoutingService,
	properties *PropertyService,
	tracker *IndexingMetadataService,
	search client.SearchClient,
	leases *LeaseService,
	cfg config.SchedulerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *LinkingIndexingService {
	cfg = withDefaults(cfg)
	s := &LinkingIndexingService{
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
			Name:       "linking",
			MaxWorkers: cfg.Workers,
			Logger:     logger,
		}),
	}
	s.scheduler = newPeriodic("linking", cfg.Period, s.run, m, logger)
	return s
}

// Start begins periodic runs
func (s *LinkingIndexingService) Start(ctx context.Context) {
	s.scheduler.start(ctx)
}

// Stop ends periodic runs and waits for the current one
func (s *LinkingIndexingService) Stop() {
	s.scheduler.stop()
	if err := s.pool.Stop(30 * time.Second); err != nil {
		s.logger.Warn("Linking worker pool did not stop cleanly", zap.Error(err))
	}
}

// RunOnce performs a single run; it reports false if a run was already in progress
func (s *LinkingIndexingService) RunOnce(ctx context.Context) (bool, error) {
	return s.scheduler.runOnce(ctx)
}

func (s *LinkingIndexingService) run(ctx context.Context) error {
	entitySets, err := s.entitySets.ListEntitySets(ctx)
	if err != nil {
		return storeerrors.Transient("failed to list entity sets", err)
	}

	// originating entity set -> linking entity sets built from it
	interested := make(map[uuid.UUID][]*model.EntitySet)
	for _, es := range entitySets {
		if !es.IsLinking() {
			continue
		}
		for _, member := range es.LinkedEntitySetIDs {
			interested[member] = append(interested[member], es)
		}
	}
	candidates := make([]uuid.UUID, 0, len(interested))
	for id := range interested {
		candidates = append(candidates, id)
	}

	claimed, failed := sweep(ctx, "linking", s.leases, DomainLinking, s.cfg.LeaseDuration, s.pool, candidates,
		func(ctx context.Context, id uuid.UUID) error {
			return s.indexLinkedEntities(ctx, id, interested[id])
		}, s.metrics, s.logger)

	s.logger.Debug("Linking run finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("claimed", claimed),
		zap.Int("failed", failed))
	return nil
}

func (s *LinkingIndexingService) indexLinkedEntities(ctx context.Context, entitySetID uuid.UUID, linkingSets []*model.EntitySet) error {
	shard, err := s.router.Resolve(ctx, entitySetID)
	if err != nil {
		return err
	}

	fetch := s.cfg.BatchSize * dirtyFetchChunks
	for {
		dirty, err := shard.LinkDirtyEntities(ctx, entitySetID, fetch)
		if err != nil {
			return storeerrors.Transient("failed to find link dirty entities", err)
		}
		for _, chunk := range chunks(dirty, s.cfg.BatchSize) {
			if err := s.pushChunk(ctx, entitySetID, linkingSets, chunk); err != nil {
				return err
			}
		}
		if len(dirty) < fetch {
			return nil
		}
		if err := s.leases.Keep(ctx, DomainLinking, entitySetID, s.cfg.LeaseDuration); err != nil {
			return err
		}
	}
}

// pushChunk pushes merged documents for every linking id in chunk to each
// interested linking entity set. The chunk is marked link indexed only when
// every push succeeded.
func (s *LinkingIndexingService) pushChunk(ctx context.Context, entitySetID uuid.UUID, linkingSets []*model.EntitySet, chunk []model.EntityWatermark) error {
	observed := make(map[uuid.UUID]time.Time, len(chunk))
	seen := make(map[uuid.UUID]bool)
	var linkingIDs []uuid.UUID
	for _, w := range chunk {
		observed[w.EntityKeyID] = w.LastWrite
		if w.LinkingID != nil && !seen[*w.LinkingID] {
			seen[*w.LinkingID] = true
			linkingIDs = append(linkingIDs, *w.LinkingID)
		}
	}
	sort.Slice(linkingIDs, func(i, j int) bool { return linkingIDs[i].String() < linkingIDs[j].String() })

	g, gctx := errgroup.WithContext(ctx)
	for _, linkingSet := range linkingSets {
		linkingSet := linkingSet
		g.Go(func() error {
			return s.pushLinkingSet(gctx, linkingSet, linkingIDs)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err := s.tracker.MarkLinkedIndexed(ctx, map[uuid.UUID]map[uuid.UUID]time.Time{entitySetID: observed})
	return err
}

// pushLinkingSet writes the merged view of linkingIDs into one linking entity set's index.
// Linking ids left without live members are removed from it.
func (s *LinkingIndexingService) pushLinkingSet(ctx context.Context, linkingSet *model.EntitySet, linkingIDs []uuid.UUID) error {
	propertyTypeIDs, err := indexablePropertyTypes(ctx, s.entitySets, linkingSet.EntityTypeID)
	if err != nil {
		return err
	}

	byEntitySet := make(map[uuid.UUID][]uuid.UUID, len(linkingSet.LinkedEntitySetIDs))
	propertyTypes := make(map[uuid.UUID][]uuid.UUID, len(linkingSet.LinkedEntitySetIDs))
	for _, member := range linkingSet.LinkedEntitySetIDs {
		byEntitySet[member] = linkingIDs
		propertyTypes[member] = propertyTypeIDs
	}
	merged, err := s.properties.GetLinkedEntities(ctx, byEntitySet, propertyTypes, false)
	if err != nil {
		return err
	}

	docs := make(map[uuid.UUID]model.Properties, len(merged))
	var orphaned []uuid.UUID
	for _, id := range linkingIDs {
		if linked, ok := merged[id]; ok {
			docs[id] = linked.Properties
		} else {
			orphaned = append(orphaned, id)
		}
	}

	if len(docs) > 0 {
		ok, err := s.search.CreateBulkLinkedData(ctx, linkingSet.ID, docs)
		if err != nil || !ok {
			s.metrics.RecordPushFailure("index_linked")
			return storeerrors.IndexPushFailed(
				fmt.Sprintf("search index rejected %d merged documents", len(docs)), err).
				WithDetail("linking_entity_set_id", linkingSet.ID.String())
		}
		s.metrics.RecordLinkedPush(linkingSet.ID.String(), len(docs))
	}
	if len(orphaned) > 0 {
		ok, err := s.search.DeleteLinkedData(ctx, linkingSet.ID, orphaned)
		if err != nil || !ok {
			s.metrics.RecordPushFailure("unindex_linked")
			return storeerrors.IndexPushFailed(
				fmt.Sprintf("search index rejected removal of %d merged documents", len(orphaned)), err).
				WithDetail("linking_entity_set_id", linkingSet.ID.String())
		}
	}
	return nil
}
