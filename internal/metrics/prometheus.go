package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Scheduler metrics
	SchedulerRuns     *prometheus.CounterVec
	SchedulerDuration *prometheus.HistogramVec
	EntitySetFailures *prometheus.CounterVec

	// Indexing metrics
	EntitiesIndexed   *prometheus.CounterVec
	EntitiesUnindexed *prometheus.CounterVec
	LinkedDocsPushed  *prometheus.CounterVec
	IndexPushFailures *prometheus.CounterVec

	// Lease metrics
	LeasesAcquired  *prometheus.CounterVec
	LeasesContended *prometheus.CounterVec
	LeasesScavenged *prometheus.CounterVec

	// Deletion metrics
	ExpiredEntitiesDeleted *prometheus.CounterVec
	HardDeletedEntities    *prometheus.CounterVec
	ConsistencyViolations  *prometheus.CounterVec
	DeletionJobs           *prometheus.CounterVec

	// Router metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	ShardsOpen  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SchedulerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_scheduler_runs_total",
				Help: "Total number of scheduler runs",
			},
			[]string{"scheduler", "status"},
		),

		SchedulerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitystore_scheduler_run_duration_seconds",
				Help:    "Duration of scheduler runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scheduler"},
		),

		EntitySetFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_entity_set_failures_total",
				Help: "Total number of entity sets a scheduler run failed to process",
			},
			[]string{"scheduler"},
		),

		EntitiesIndexed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_entities_indexed_total",
				Help: "Total number of entities pushed to the search index",
			},
			[]string{"entity_set_id"},
		),

		EntitiesUnindexed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_entities_unindexed_total",
				Help: "Total number of deleted entities removed from the search index",
			},
			[]string{"entity_set_id"},
		),

		LinkedDocsPushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_linked_documents_pushed_total",
				Help: "Total number of merged linking documents pushed",
			},
			[]string{"linking_entity_set_id"},
		),

		IndexPushFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_index_push_failures_total",
				Help: "Total number of rejected search index pushes",
			},
			[]string{"operation"},
		),

		LeasesAcquired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_leases_acquired_total",
				Help: "Total number of leases acquired",
			},
			[]string{"domain"},
		),

		LeasesContended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_leases_contended_total",
				Help: "Total number of lease claims lost to another holder",
			},
			[]string{"domain"},
		),

		LeasesScavenged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_leases_scavenged_total",
				Help: "Total number of expired leases removed",
			},
			[]string{"domain"},
		),

		ExpiredEntitiesDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_expired_entities_deleted_total",
				Help: "Total number of entities deleted by expiration policies",
			},
			[]string{"entity_set_id"},
		),

		HardDeletedEntities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_hard_deleted_entities_total",
				Help: "Total number of entities physically purged",
			},
			[]string{"population"},
		),

		ConsistencyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_consistency_violations_total",
				Help: "Total number of delete count mismatches between related tables",
			},
			[]string{"entity_set_id"},
		),

		DeletionJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_deletion_jobs_total",
				Help: "Total number of asynchronous deletion jobs by outcome",
			},
			[]string{"status"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitystore_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		ShardsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitystore_shards_open",
				Help: "Number of shard connections currently open",
			},
		),
	}
}

// RecordRun records a completed scheduler run
func (m *Metrics) RecordRun(scheduler, status string, duration float64) {
	m.SchedulerRuns.WithLabelValues(scheduler, status).Inc()
	m.SchedulerDuration.WithLabelValues(scheduler).Observe(duration)
}

// RecordEntitySetFailure records one entity set failing inside a run
func (m *Metrics) RecordEntitySetFailure(scheduler string) {
	m.EntitySetFailures.WithLabelValues(scheduler).Inc()
}

// RecordIndexed records entities pushed to the index
func (m *Metrics) RecordIndexed(entitySetID string, count int) {
	m.EntitiesIndexed.WithLabelValues(entitySetID).Add(float64(count))
}

// RecordUnindexed records entities removed from the index
func (m *Metrics) RecordUnindexed(entitySetID string, count int) {
	m.EntitiesUnindexed.WithLabelValues(entitySetID).Add(float64(count))
}

// RecordLinkedPush records merged documents pushed to a linking entity set
func (m *Metrics) RecordLinkedPush(linkingEntitySetID string, count int) {
	m.LinkedDocsPushed.WithLabelValues(linkingEntitySetID).Add(float64(count))
}

// RecordPushFailure records a rejected index push
func (m *Metrics) RecordPushFailure(operation string) {
	m.IndexPushFailures.WithLabelValues(operation).Inc()
}

// RecordLease records the outcome of a lease claim
func (m *Metrics) RecordLease(domain string, acquired bool) {
	if acquired {
		m.LeasesAcquired.WithLabelValues(domain).Inc()
		return
	}
	m.LeasesContended.WithLabelValues(domain).Inc()
}

// RecordScavenged records expired leases removed by the scavenger
func (m *Metrics) RecordScavenged(domain string, count int) {
	m.LeasesScavenged.WithLabelValues(domain).Add(float64(count))
}

// RecordExpired records entities deleted by an expiration policy
func (m *Metrics) RecordExpired(entitySetID string, count int) {
	m.ExpiredEntitiesDeleted.WithLabelValues(entitySetID).Add(float64(count))
}

// RecordHardDeleted records purged entities
func (m *Metrics) RecordHardDeleted(population string, count int) {
	m.HardDeletedEntities.WithLabelValues(population).Add(float64(count))
}

// RecordConsistencyViolation records a delete count mismatch
func (m *Metrics) RecordConsistencyViolation(entitySetID string) {
	m.ConsistencyViolations.WithLabelValues(entitySetID).Inc()
}

// RecordJob records a finished deletion job
func (m *Metrics) RecordJob(status string) {
	m.DeletionJobs.WithLabelValues(status).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// UpdateShardsOpen updates the open shard count
func (m *Metrics) UpdateShardsOpen(count int) {
	m.ShardsOpen.Set(float64(count))
}
