package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/algorithm"
	"github.com/devrev/entitystore/internal/config"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/store"
)

// ShardOpener opens the physical connection behind a shard name
type ShardOpener func(ctx context.Context, name string) (storage.Shard, error)

// RoutingService resolves entity sets to the shard holding their rows.
//
// Shard assignment never changes after an entity set is created, so cached
// entries are only dropped by TTL or size pressure.
type RoutingService struct {
	entitySets store.EntitySetStore
	placement  *expirable.LRU[uuid.UUID, string]
	shards     *xsync.MapOf[string, storage.Shard]
	ring       *algorithm.ShardRing
	known      map[string]bool
	opener     ShardOpener
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRoutingService creates a router over the configured shard names
func NewRoutingService(
	entitySets store.EntitySetStore,
	shardNames []string,
	opener ShardOpener,
	cfg config.RouterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RoutingService {
	names := append([]string(nil), shardNames...)
	sort.Strings(names)
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}

	return &RoutingService{
		entitySets: entitySets,
		placement:  expirable.NewLRU[uuid.UUID, string](cfg.CacheSize, nil, cfg.CacheTTL),
		shards:     xsync.NewMapOf[string, storage.Shard](),
		ring:       algorithm.NewShardRing(names, cfg.VirtualNodes),
		known:      known,
		opener:     opener,
		metrics:    m,
		logger:     logger,
	}
}

// ShardName returns the shard name an entity set lives on
func (s *RoutingService) ShardName(ctx context.Context, entitySetID uuid.UUID) (string, error) {
	if name, ok := s.placement.Get(entitySetID); ok {
		// re-adding restarts the expiry so entries live for TTL after last access
		s.placement.Add(entitySetID, name)
		s.metrics.RecordCacheHit("placement")
		return name, nil
	}
	s.metrics.RecordCacheMiss("placement")

	es, err := s.entitySets.GetEntitySet(ctx, entitySetID)
	if errors.Is(err, store.ErrNotFound) {
		return "", storeerrors.NotFound("entity set", entitySetID.String())
	}
	if err != nil {
		return "", storeerrors.Transient("failed to look up entity set", err)
	}

	name, err := s.place(es.ID, es.DataSource)
	if err != nil {
		return "", err
	}
	s.placement.Add(entitySetID, name)
	return name, nil
}

// place picks the configured data source, or a stable ring position when none is set
func (s *RoutingService) place(entitySetID uuid.UUID, dataSource string) (string, error) {
	if dataSource != "" {
		if !s.known[dataSource] {
			return "", storeerrors.NotFound("shard", dataSource)
		}
		return dataSource, nil
	}
	name, ok := s.ring.Locate(entitySetID.String())
	if !ok {
		return "", storeerrors.InternalError("no shards configured", nil)
	}
	return name, nil
}

// Resolve returns the shard an entity set lives on
func (s *RoutingService) Resolve(ctx context.Context, entitySetID uuid.UUID) (storage.Shard, error) {
	name, err := s.ShardName(ctx, entitySetID)
	if err != nil {
		return nil, err
	}
	return s.ResolveShardName(ctx, name)
}

// ResolvePlacement returns the shard for an entity set that may no longer be registered
func (s *RoutingService) ResolvePlacement(ctx context.Context, entitySetID uuid.UUID, dataSource string) (storage.Shard, error) {
	name, err := s.place(entitySetID, dataSource)
	if err != nil {
		return nil, err
	}
	return s.ResolveShardName(ctx, name)
}

// ResolveShardName returns the connection of a shard, opening it on first use
func (s *RoutingService) ResolveShardName(ctx context.Context, name string) (storage.Shard, error) {
	if shard, ok := s.shards.Load(name); ok {
		return shard, nil
	}
	if !s.known[name] {
		return nil, storeerrors.NotFound("shard", name)
	}

	var openErr error
	shard, _ := s.shards.Compute(name, func(current storage.Shard, loaded bool) (storage.Shard, bool) {
		if loaded {
			return current, false
		}
		opened, err := s.opener(ctx, name)
		if err != nil {
			openErr = err
			return nil, true
		}
		return opened, false
	})
	if openErr != nil {
		return nil, storeerrors.Transient(fmt.Sprintf("failed to open shard %s", name), openErr)
	}

	s.metrics.UpdateShardsOpen(s.shards.Size())
	s.logger.Info("Opened shard", zap.String("shard", name))
	return shard, nil
}

// OpenShards returns every shard opened so far
func (s *RoutingService) OpenShards() []storage.Shard {
	var out []storage.Shard
	s.shards.Range(func(_ string, shard storage.Shard) bool {
		out = append(out, shard)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close closes every opened shard
func (s *RoutingService) Close() {
	s.shards.Range(func(name string, shard storage.Shard) bool {
		shard.Close()
		s.shards.Delete(name)
		return true
	})
	s.placement.Purge()
}

// GroupByShard buckets items by the shard their entity set lives on.
// Batch writers use it to issue one round trip per shard.
func GroupByShard[T any](ctx context.Context, router *RoutingService, items []T, entitySetOf func(T) uuid.UUID) (map[string][]T, error) {
	groups := make(map[string][]T)
	names := make(map[uuid.UUID]string)
	for _, item := range items {
		esID := entitySetOf(item)
		name, ok := names[esID]
		if !ok {
			var err error
			name, err = router.ShardName(ctx, esID)
			if err != nil {
				return nil, err
			}
			names[esID] = name
		}
		groups[name] = append(groups[name], item)
	}
	return groups, nil
}
