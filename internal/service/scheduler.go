package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/config"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/util/workerpool"
)

// periodic drives one reconciliation scheduler: a fixed-period timer and an
// in-process guard so a run never overlaps the previous one.
type periodic struct {
	name    string
	period  time.Duration
	run     func(ctx context.Context) error
	metrics *metrics.Metrics
	logger  *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newPeriodic(name string, period time.Duration, run func(ctx context.Context) error, m *metrics.Metrics, logger *zap.Logger) *periodic {
	return &periodic{name: name, period: period, run: run, metrics: m, logger: logger}
}

// runOnce executes one run unless one is already in progress.
// It reports whether the run happened.
func (p *periodic) runOnce(ctx context.Context) (bool, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("Run already in progress, skipping", zap.String("scheduler", p.name))
		return false, nil
	}
	defer p.running.Store(false)

	start := time.Now()
	err := p.run(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
		p.logger.Error("Scheduler run failed",
			zap.String("scheduler", p.name),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.logger.Debug("Scheduler run completed",
			zap.String("scheduler", p.name),
			zap.Duration("duration", duration))
	}
	p.metrics.RecordRun(p.name, status, duration.Seconds())
	return true, err
}

func (p *periodic) start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = p.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	p.logger.Info("Scheduler started",
		zap.String("scheduler", p.name),
		zap.Duration("period", p.period))
}

func (p *periodic) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
		p.logger.Info("Scheduler stopped", zap.String("scheduler", p.name))
	}
}

// sweep claims entity sets in domain and runs work for each claimed set on pool.
// Per entity set failures are logged and counted but never abort the sweep.
// Leases are released once every task finished.
func sweep(
	ctx context.Context,
	name string,
	leases *LeaseService,
	domain LeaseDomain,
	ttl time.Duration,
	pool *workerpool.WorkerPool,
	entitySetIDs []uuid.UUID,
	work func(ctx context.Context, entitySetID uuid.UUID) error,
	m *metrics.Metrics,
	logger *zap.Logger,
) (claimed, failed int) {
	ids := leases.Claim(ctx, domain, entitySetIDs, ttl)
	if len(ids) == 0 {
		return 0, 0
	}
	defer leases.ReleaseAll(domain, ids)

	tasks := make([]workerpool.Task, len(ids))
	for i, id := range ids {
		id := id
		tasks[i] = workerpool.Task{
			ID: id.String(),
			Fn: func(ctx context.Context) error { return work(ctx, id) },
		}
	}

	failures := pool.Run(ctx, tasks)
	for id, err := range failures {
		m.RecordEntitySetFailure(name)
		logger.Warn("Entity set processing failed",
			zap.String("scheduler", name),
			zap.String("entity_set_id", id),
			zap.Error(err))
	}

	stats := pool.Stats()
	logger.Debug("Worker pool after sweep",
		zap.String("pool", stats.Name),
		zap.Uint64("total_tasks", stats.TotalTasks),
		zap.Uint64("failed_tasks", stats.FailedTasks),
		zap.Float64("success_rate", stats.SuccessRate()))
	return len(ids), len(failures)
}

// chunks splits ids into slices of at most size elements
func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func withDefaults(cfg config.SchedulerConfig) config.SchedulerConfig {
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return cfg
}
