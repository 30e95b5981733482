package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/config"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/storage/memory"
	"github.com/devrev/entitystore/internal/store"
)

type countingOpener struct {
	opened atomic.Int32
	fail   bool
}

func (o *countingOpener) open(ctx context.Context, name string) (storage.Shard, error) {
	o.opened.Add(1)
	if o.fail {
		return nil, errors.New("connection refused")
	}
	return memory.NewShard(name), nil
}

func newTestRouter(t *testing.T, entitySets store.EntitySetStore, opener *countingOpener) (*RoutingService, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	cfg := config.RouterConfig{CacheSize: 10, CacheTTL: time.Minute, VirtualNodes: 32}
	router := NewRoutingService(entitySets, testShards, opener.open, cfg, m, zap.NewNop())
	t.Cleanup(router.Close)
	return router, m
}

func registerEntitySet(t *testing.T, entitySets store.EntitySetStore, dataSource string) *model.EntitySet {
	t.Helper()
	es := &model.EntitySet{ID: uuid.New(), Name: "es-" + uuid.NewString()[:8], EntityTypeID: uuid.New(), DataSource: dataSource}
	require.NoError(t, entitySets.CreateEntitySet(context.Background(), es))
	return es
}

func TestRoutingService_UsesConfiguredDataSource(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	router, _ := newTestRouter(t, entitySets, &countingOpener{})

	es := registerEntitySet(t, entitySets, "shard-b")
	shard, err := router.Resolve(ctx, es.ID)
	require.NoError(t, err)
	assert.Equal(t, "shard-b", shard.Name())
}

func TestRoutingService_RingPlacementIsStable(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	first, _ := newTestRouter(t, entitySets, &countingOpener{})
	second, _ := newTestRouter(t, entitySets, &countingOpener{})

	for i := 0; i < 20; i++ {
		es := registerEntitySet(t, entitySets, "")
		a, err := first.ShardName(ctx, es.ID)
		require.NoError(t, err)
		b, err := second.ShardName(ctx, es.ID)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Contains(t, testShards, a)
	}
}

func TestRoutingService_UnknownEntitySetOrShard(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	router, _ := newTestRouter(t, entitySets, &countingOpener{})

	_, err := router.Resolve(ctx, uuid.New())
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeNotFound))

	es := registerEntitySet(t, entitySets, "shard-z")
	_, err = router.Resolve(ctx, es.ID)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeNotFound))

	_, err = router.ResolveShardName(ctx, "shard-z")
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeNotFound))
}

func TestRoutingService_CachesPlacement(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	router, m := newTestRouter(t, entitySets, &countingOpener{})

	es := registerEntitySet(t, entitySets, "shard-a")
	for i := 0; i < 3; i++ {
		_, err := router.ShardName(ctx, es.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("placement")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("placement")))

	// placement survives the definition being dropped until the entry expires
	require.NoError(t, entitySets.DeleteEntitySet(ctx, es.ID, time.Now()))
	name, err := router.ShardName(ctx, es.ID)
	require.NoError(t, err)
	assert.Equal(t, "shard-a", name)
}

func TestRoutingService_OpensEachShardOnce(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	opener := &countingOpener{}
	router, m := newTestRouter(t, entitySets, opener)

	a := registerEntitySet(t, entitySets, "shard-a")
	b := registerEntitySet(t, entitySets, "shard-a")
	first, err := router.Resolve(ctx, a.ID)
	require.NoError(t, err)
	second, err := router.Resolve(ctx, b.ID)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), opener.opened.Load())
	assert.Len(t, router.OpenShards(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShardsOpen))
}

func TestRoutingService_OpenFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	opener := &countingOpener{fail: true}
	router, _ := newTestRouter(t, entitySets, opener)

	_, err := router.ResolveShardName(ctx, "shard-a")
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeTransient))

	// a failed open is retried on the next call
	opener.fail = false
	shard, err := router.ResolveShardName(ctx, "shard-a")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", shard.Name())
	assert.Equal(t, int32(2), opener.opened.Load())
}

func TestRoutingService_ResolvePlacementOfDroppedEntitySet(t *testing.T) {
	ctx := context.Background()
	router, _ := newTestRouter(t, store.NewInMemoryEntitySetStore(), &countingOpener{})

	shard, err := router.ResolvePlacement(ctx, uuid.New(), "shard-b")
	require.NoError(t, err)
	assert.Equal(t, "shard-b", shard.Name())

	id := uuid.New()
	viaRing, err := router.ResolvePlacement(ctx, id, "")
	require.NoError(t, err)
	expected, ok := router.ring.Locate(id.String())
	require.True(t, ok)
	assert.Equal(t, expected, viaRing.Name())
}

func TestGroupByShard(t *testing.T) {
	ctx := context.Background()
	entitySets := store.NewInMemoryEntitySetStore()
	router, _ := newTestRouter(t, entitySets, &countingOpener{})

	a := registerEntitySet(t, entitySets, "shard-a")
	b := registerEntitySet(t, entitySets, "shard-b")
	keys := []model.EntityDataKey{
		{EntitySetID: a.ID, EntityKeyID: uuid.New()},
		{EntitySetID: b.ID, EntityKeyID: uuid.New()},
		{EntitySetID: a.ID, EntityKeyID: uuid.New()},
	}

	grouped, err := GroupByShard(ctx, router, keys, func(k model.EntityDataKey) uuid.UUID { return k.EntitySetID })
	require.NoError(t, err)
	assert.Len(t, grouped["shard-a"], 2)
	assert.Len(t, grouped["shard-b"], 1)

	keys = append(keys, model.EntityDataKey{EntitySetID: uuid.New(), EntityKeyID: uuid.New()})
	_, err = GroupByShard(ctx, router, keys, func(k model.EntityDataKey) uuid.UUID { return k.EntitySetID })
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeNotFound))
}
