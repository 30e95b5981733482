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
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/clock"
	"github.com/devrev/entitystore/internal/util/workerpool"
)

const (
	populationRegistered = "registered"
	populationDeleted    = "deleted"
)

// HardDeleteService physically removes deleted entities once the search index
// has caught up with their deletion, and drains the rows of deleted entity sets.
type HardDeleteService struct {
	entitySets store.EntitySetStore
	router     *RoutingService
	edges      store.EdgeStore
	search     client.SearchClient
	leases     *LeaseService
	clock      clock.Clock
	observer   Observer
	pool       *workerpool.WorkerPool
	cfg        config.SchedulerConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger

	scheduler *periodic
}

// NewHardDeleteService creates the hard delete sweeper
func NewHardDeleteService(
	entitySets store.EntitySetStore,
	router *RoutingService,
	edges store.EdgeStore,
	search client.SearchClient,
	leases *LeaseService,
	clk clock.Clock,
	observer Observer,
	cfg config.SchedulerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HardDeleteService {
	cfg = withDefaults(cfg)
	if observer == nil {
		observer = NoopObserver{}
	}
	s := &HardDeleteService{
		entitySets: entitySets,
		router:     router,
		edges:      edges,
		search:     search,
		leases:     leases,
		clock:      clk,
		observer:   observer,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "hard_delete",
			MaxWorkers: cfg.Workers,
			Logger:     logger,
		}),
	}
	s.scheduler = newPeriodic("hard_delete", cfg.Period, s.run, m, logger)
	return s
}

// Start begins periodic runs
func (s *HardDeleteService) Start(ctx context.Context) {
	s.scheduler.start(ctx)
}

// Stop ends periodic runs and waits for the current one
func (s *HardDeleteService) Stop() {
	s.scheduler.stop()
	if err := s.pool.Stop(30 * time.Second); err != nil {
		s.logger.Warn("Hard delete worker pool did not stop cleanly", zap.Error(err))
	}
}

// RunOnce performs a single run; it reports false if a run was already in progress
func (s *HardDeleteService) RunOnce(ctx context.Context) (bool, error) {
	return s.scheduler.runOnce(ctx)
}

func (s *HardDeleteService) run(ctx context.Context) error {
	entitySets, err := s.entitySets.ListEntitySets(ctx)
	if err != nil {
		return storeerrors.Transient("failed to list entity sets", err)
	}
	var registered []uuid.UUID
	for _, es := range entitySets {
		if !es.IsLinking() {
			registered = append(registered, es.ID)
		}
	}
	claimed, failed := sweep(ctx, "hard_delete", s.leases, DomainHardDelete, s.cfg.LeaseDuration, s.pool, registered,
		s.purgeEntitySet, s.metrics, s.logger)
	s.logger.Debug("Hard delete sweep of registered entity sets finished",
		zap.Int("candidates", len(registered)),
		zap.Int("claimed", claimed),
		zap.Int("failed", failed))

	deleted, err := s.entitySets.ListDeletedEntitySets(ctx)
	if err != nil {
		return storeerrors.Transient("failed to list deleted entity sets", err)
	}
	byID := make(map[uuid.UUID]*model.DeletedEntitySet, len(deleted))
	ids := make([]uuid.UUID, 0, len(deleted))
	for _, d := range deleted {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}
	claimed, failed = sweep(ctx, "hard_delete", s.leases, DomainHardDelete, s.cfg.LeaseDuration, s.pool, ids,
		func(ctx context.Context, id uuid.UUID) error {
			return s.drainDeletedEntitySet(ctx, byID[id])
		}, s.metrics, s.logger)
	s.logger.Debug("Hard delete sweep of deleted entity sets finished",
		zap.Int("candidates", len(ids)),
		zap.Int("claimed", claimed),
		zap.Int("failed", failed))
	return nil
}

// purgeEntitySet removes every purge eligible entity of a registered entity set
func (s *HardDeleteService) purgeEntitySet(ctx context.Context, entitySetID uuid.UUID) error {
	shard, err := s.router.Resolve(ctx, entitySetID)
	if err != nil {
		return err
	}
	n, err := s.purge(ctx, shard, entitySetID, populationRegistered)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Purged deleted entities",
			zap.String("entity_set_id", entitySetID.String()),
			zap.Int("count", n))
	}
	return nil
}

// purge loops over eligible batches until none remain
func (s *HardDeleteService) purge(ctx context.Context, shard storage.Shard, entitySetID uuid.UUID, population string) (int, error) {
	total := 0
	for {
		keys, err := shard.PurgeableEntities(ctx, entitySetID, s.cfg.BatchSize)
		if err != nil {
			return total, storeerrors.Transient("failed to find purgeable entities", err)
		}
		if len(keys) == 0 {
			return total, nil
		}
		n, err := shard.PurgeEntities(ctx, entitySetID, keys)
		if err != nil {
			return total, storeerrors.Transient("failed to purge entities", err)
		}
		if _, err := s.edges.DeleteEdges(ctx, entitySetID, keys); err != nil {
			return total, storeerrors.Transient("failed to delete edges of purged entities", err)
		}
		total += n
		s.metrics.RecordHardDeleted(population, n)

		if len(keys) < s.cfg.BatchSize {
			return total, nil
		}
		if err := s.leases.Keep(ctx, DomainHardDelete, entitySetID, s.cfg.LeaseDuration); err != nil {
			return total, err
		}
	}
}

// drainDeletedEntitySet removes residual rows of an entity set whose definition is gone,
// then drops its pending deletion entry.
func (s *HardDeleteService) drainDeletedEntitySet(ctx context.Context, d *model.DeletedEntitySet) error {
	shard, err := s.router.ResolvePlacement(ctx, d.ID, d.DataSource)
	if err != nil {
		return err
	}

	total := 0
	for {
		rows, err := shard.ScanEntities(ctx, d.ID, s.cfg.BatchSize)
		if err != nil {
			return storeerrors.Transient("failed to scan residual entities", err)
		}
		if len(rows) == 0 {
			break
		}
		keys := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			keys[i] = r.EntityKeyID
		}

		ok, err := s.search.DeleteEntityDataBulk(ctx, d.EntityTypeID, keys)
		if err != nil || !ok {
			s.metrics.RecordPushFailure("unindex")
			return storeerrors.IndexPushFailed(
				fmt.Sprintf("search index rejected removal of %d residual entities", len(keys)), err).
				WithDetail("entity_set_id", d.ID.String())
		}
		if _, err := shard.RetireEntities(ctx, d.ID, keys, s.clock.Now()); err != nil {
			return storeerrors.Transient("failed to retire residual entities", err)
		}
		n, err := s.purge(ctx, shard, d.ID, populationDeleted)
		if err != nil {
			return err
		}
		if n == 0 {
			return storeerrors.InternalError(
				fmt.Sprintf("residual entities of deleted entity set %s could not be purged", d.ID), nil)
		}
		total += n
	}

	if err := s.entitySets.RemoveDeletedEntitySet(ctx, d.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeerrors.Transient("failed to remove pending deletion entry", err)
	}
	s.observer.OnEntitySetDataDeleted(ctx, d.ID, model.DeleteHard)
	s.logger.Info("Drained deleted entity set",
		zap.String("entity_set_id", d.ID.String()),
		zap.Int("purged", total))
	return nil
}
