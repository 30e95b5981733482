package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/client"
	"github.com/devrev/entitystore/internal/config"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/clock"
	"github.com/devrev/entitystore/internal/util/workerpool"
)

// ExpirationService deletes entities whose expiration policy says they aged out
type ExpirationService struct {
	entitySets store.EntitySetStore
	router     *RoutingService
	tracker    *IndexingMetadataService
	edges      store.EdgeStore
	search     client.SearchClient
	leases     *LeaseService
	versions   *clock.VersionSource
	clock      clock.Clock
	observer   Observer
	pool       *workerpool.WorkerPool
	cfg        config.SchedulerConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger

	scheduler *periodic
}

// NewExpirationService creates the expired data deletion scheduler
func NewExpirationService(
	entitySets store.EntitySetStore,
	router *RoutingService,
	tracker *IndexingMetadataService,
	edges store.EdgeStore,
	search client.SearchClient,
	leases *LeaseService,
	versions *clock.VersionSource,
	clk clock.Clock,
	observer Observer,
	cfg config.SchedulerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ExpirationService {
	cfg = withDefaults(cfg)
	if observer == nil {
		observer = NoopObserver{}
	}
	s := &ExpirationService{
		entitySets: entitySets,
		router:     router,
		tracker:    tracker,
		edges:      edges,
		search:     search,
		leases:     leases,
		versions:   versions,
		clock:      clk,
		observer:   observer,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "expiration",
			MaxWorkers: cfg.Workers,
			Logger:     logger,
		}),
	}
	s.scheduler = newPeriodic("expiration", cfg.Period, s.run, m, logger)
	return s
}

// Start begins periodic runs
func (s *ExpirationService) Start(ctx context.Context) {
	s.scheduler.start(ctx)
}

// Stop ends periodic runs and waits for the current one
func (s *ExpirationService) Stop() {
	s.scheduler.stop()
	if err := s.pool.Stop(30 * time.Second); err != nil {
		s.logger.Warn("Expiration worker pool did not stop cleanly", zap.Error(err))
	}
}

// RunOnce performs a single run; it reports false if a run was already in progress
func (s *ExpirationService) RunOnce(ctx context.Context) (bool, error) {
	return s.scheduler.runOnce(ctx)
}

func (s *ExpirationService) run(ctx context.Context) error {
	entitySets, err := s.entitySets.ListEntitySets(ctx)
	if err != nil {
		return storeerrors.Transient("failed to list entity sets", err)
	}

	byID := make(map[uuid.UUID]*model.EntitySet)
	var candidates []uuid.UUID
	for _, es := range entitySets {
		if es.Expiration == nil || es.IsLinking() {
			continue
		}
		byID[es.ID] = es
		candidates = append(candidates, es.ID)
	}

	now := s.clock.Now()
	claimed, failed := sweep(ctx, "expiration", s.leases, DomainExpiration, s.cfg.LeaseDuration, s.pool, candidates,
		func(ctx context.Context, id uuid.UUID) error {
			return s.expireEntitySet(ctx, byID[id], now)
		}, s.metrics, s.logger)

	s.logger.Debug("Expiration run finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("claimed", claimed),
		zap.Int("failed", failed))
	return nil
}

func (s *ExpirationService) expireEntitySet(ctx context.Context, es *model.EntitySet, now time.Time) error {
	shard, err := s.router.Resolve(ctx, es.ID)
	if err != nil {
		return err
	}
	filter := es.Expiration.Filter(now)

	total := 0
	for {
		keys, err := shard.ExpiringEntities(ctx, es.ID, filter, s.cfg.BatchSize)
		if err != nil {
			return storeerrors.Transient("failed to find expired entities", err)
		}
		if len(keys) == 0 {
			break
		}

		var n int
		if es.Expiration.DeleteType == model.DeleteHard {
			n, err = s.hardDelete(ctx, shard, es, keys)
		} else {
			n, err = s.softDelete(ctx, shard, es, keys)
		}
		if err != nil {
			return err
		}
		total += n
		s.metrics.RecordExpired(es.ID.String(), n)

		if len(keys) < s.cfg.BatchSize {
			break
		}
		if err := s.leases.Keep(ctx, DomainExpiration, es.ID, s.cfg.LeaseDuration); err != nil {
			return err
		}
	}

	if total > 0 {
		s.logger.Info("Expired entities",
			zap.String("entity_set_id", es.ID.String()),
			zap.String("delete_type", string(es.Expiration.DeleteType)),
			zap.Time("cutoff", filter.Cutoff),
			zap.Int("count", total))
	}
	return nil
}

// softDelete tombstones the batch; the indexer removes it from the index afterwards
func (s *ExpirationService) softDelete(ctx context.Context, shard storage.Shard, es *model.EntitySet, keys []uuid.UUID) (int, error) {
	version := s.versions.Next()
	n, err := shard.TombstoneEntities(ctx, es.ID, keys, version)
	if err != nil {
		return 0, storeerrors.Transient("failed to tombstone expired entities", err)
	}
	if n > 0 {
		s.observer.OnEntitiesChanged(ctx, es.ID, keys, model.WriteEvent{Version: -version, NumUpdates: n})
	}
	if _, err := s.tracker.MarkDeletedNeedsLinking(ctx, es.ID, keys); err != nil {
		return n, err
	}
	return n, nil
}

// hardDelete removes the batch from the index, drops its edges, then removes
// values and metadata rows. Both removals must cover the same entities.
func (s *ExpirationService) hardDelete(ctx context.Context, shard storage.Shard, es *model.EntitySet, keys []uuid.UUID) (int, error) {
	ok, err := s.search.DeleteEntityDataBulk(ctx, es.EntityTypeID, keys)
	if err != nil || !ok {
		s.metrics.RecordPushFailure("unindex")
		return 0, storeerrors.IndexPushFailed(fmt.Sprintf("search index rejected removal of %d expired entities", len(keys)), err).
			WithDetail("entity_set_id", es.ID.String())
	}
	if _, err := s.edges.DeleteEdges(ctx, es.ID, keys); err != nil {
		return 0, storeerrors.Transient("failed to delete edges of expired entities", err)
	}
	linked, err := s.tracker.LinkingIDs(ctx, es.ID, keys)
	if err != nil {
		return 0, err
	}

	cells, err := shard.DeleteEntityCells(ctx, es.ID, keys)
	if err != nil {
		return 0, storeerrors.Transient("failed to delete expired values", err)
	}
	rows, err := shard.DeleteMetadataRows(ctx, es.ID, keys)
	if err != nil {
		return 0, storeerrors.Transient("failed to delete expired metadata rows", err)
	}

	if cells != rows {
		s.metrics.RecordConsistencyViolation(es.ID.String())
		s.logger.Error("Expired entity deletion counts diverged",
			zap.Bool("critical", true),
			zap.String("entity_set_id", es.ID.String()),
			zap.Int("value_entities", cells),
			zap.Int("metadata_rows", rows))
		return 0, storeerrors.Inconsistent(
			fmt.Sprintf("expired deletion of entity set %s removed mismatched rows", es.ID), cells, rows)
	}
	s.observer.OnEntitySetDataDeleted(ctx, es.ID, model.DeleteHard)

	if err := s.relinkSurvivors(ctx, es.ID, linked); err != nil {
		return rows, err
	}
	return rows, nil
}

// relinkSurvivors flags the remaining members of linking ids whose expired members
// were removed outright, so merged documents are rebuilt without them.
func (s *ExpirationService) relinkSurvivors(ctx context.Context, entitySetID uuid.UUID, linked map[uuid.UUID]uuid.UUID) error {
	if len(linked) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]bool, len(linked))
	linkingIDs := make([]uuid.UUID, 0, len(linked))
	for _, id := range linked {
		if !seen[id] {
			seen[id] = true
			linkingIDs = append(linkingIDs, id)
		}
	}

	entitySets, err := s.entitySets.ListEntitySets(ctx)
	if err != nil {
		return storeerrors.Transient("failed to list entity sets", err)
	}
	members := make(map[uuid.UUID]bool)
	var memberSets []uuid.UUID
	for _, es := range entitySets {
		if !es.IsLinking() || !containsID(es.LinkedEntitySetIDs, entitySetID) {
			continue
		}
		for _, id := range es.LinkedEntitySetIDs {
			if !members[id] {
				members[id] = true
				memberSets = append(memberSets, id)
			}
		}
	}

	_, err = s.tracker.MarkMembersNeedLinking(ctx, linkingIDs, memberSets)
	return err
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
