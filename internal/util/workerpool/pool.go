package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID string
	Fn func(context.Context) error
}

type job struct {
	task Task
	ctx  context.Context
	done func(error)
}

// WorkerPool manages a bounded pool of goroutines shared by every run of a scheduler
type WorkerPool struct {
	name           string
	maxWorkers     int
	jobs           chan job
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	Logger     *zap.Logger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		jobs:       make(chan job),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case j := <-p.jobs:
			j.done(p.execute(id, j))
		}
	}
}

func (p *WorkerPool) execute(workerID int, j job) error {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(j)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", j.task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", j.task.ID),
			zap.Duration("duration", duration))
	}
	return err
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.task.Fn(j.ctx)
}

// Run executes tasks on the pool and waits for all of them.
// A failing task never stops the others; failures are returned keyed by task ID.
// Tasks not yet started when ctx is canceled are reported with ctx's error.
func (p *WorkerPool) Run(ctx context.Context, tasks []Task) map[string]error {
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		pending  sync.WaitGroup
	)
	record := func(id string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		failures[id] = err
		mu.Unlock()
	}

	for _, task := range tasks {
		task := task
		pending.Add(1)
		j := job{
			task: task,
			ctx:  ctx,
			done: func(err error) {
				record(task.ID, err)
				pending.Done()
			},
		}

		select {
		case p.jobs <- j:
			atomic.AddUint64(&p.totalTasks, 1)
		case <-ctx.Done():
			record(task.ID, ctx.Err())
			pending.Done()
		case <-p.stopChan:
			record(task.ID, fmt.Errorf("worker pool '%s' is stopped", p.name))
			pending.Done()
		}
	}

	pending.Wait()
	return failures
}

// Stop gracefully stops the worker pool
// Waits for all workers to finish their current tasks
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.TotalTasks == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(s.TotalTasks)) * 100.0
}
