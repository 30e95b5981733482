package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/store"
)

// ShardLister exposes the shards opened so far
type ShardLister interface {
	OpenShards() []storage.Shard
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	entitySets store.EntitySetStore
	leases     store.LeaseStore
	shards     ShardLister
	logger     *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	entitySets store.EntitySetStore,
	leases store.LeaseStore,
	shards ShardLister,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		entitySets: entitySets,
		leases:     leases,
		shards:     shards,
		logger:     logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true
	record := func(name string, err error) {
		if err != nil {
			h.logger.Error("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		checks[name] = "healthy"
	}

	if h.entitySets != nil {
		record("entity_set_store", h.entitySets.Ping(ctx))
	}
	if h.leases != nil {
		record("lease_store", h.leases.Ping(ctx))
	}
	if h.shards != nil {
		for _, shard := range h.shards.OpenShards() {
			record("shard:"+shard.Name(), shard.Ping(ctx))
		}
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// NewHealthServer builds the health check HTTP server
func NewHealthServer(hc *HealthChecker, port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
