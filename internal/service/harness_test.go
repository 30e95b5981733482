package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/client"
	"github.com/devrev/entitystore/internal/config"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/storage/memory"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/clock"
)

var testShards = []string{"shard-a", "shard-b"}

// harness wires every service over in-memory backends and a fake clock
type harness struct {
	ctx        context.Context
	clock      *clock.Fake
	versions   *clock.VersionSource
	entitySets *store.InMemoryEntitySetStore
	edges      *store.InMemoryEdgeStore
	leaseStore *store.InMemoryLeaseStore
	shards     map[string]*memory.Shard
	search     *client.InMemorySearchClient
	authorizer *client.StaticAuthorizer
	jobs       *client.InMemoryJobQueue
	metrics    *metrics.Metrics

	router     *RoutingService
	properties *PropertyService
	tracker    *IndexingMetadataService
	leases     *LeaseService
	indexing   *IndexingService
	linking    *LinkingIndexingService
	expiration *ExpirationService
	hardDelete *HardDeleteService
	deletion   *DeletionService

	entityType *model.EntityType
	name       *model.PropertyType
	birthDate  *model.PropertyType
	photo      *model.PropertyType
	principal  model.Principal
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:       true,
		Period:        time.Minute,
		LeaseDuration: 5 * time.Minute,
		BatchSize:     2,
		Workers:       2,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		ctx:        context.Background(),
		clock:      clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		entitySets: store.NewInMemoryEntitySetStore(),
		edges:      store.NewInMemoryEdgeStore(),
		shards:     make(map[string]*memory.Shard),
		search:     client.NewInMemorySearchClient(),
		authorizer: client.NewStaticAuthorizer(),
		jobs:       client.NewInMemoryJobQueue(16),
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		principal:  model.Principal{Type: "user", ID: "alice"},
	}
	h.versions = clock.NewVersionSource(h.clock)
	h.leaseStore = store.NewInMemoryLeaseStore(h.clock)
	for _, name := range testShards {
		h.shards[name] = memory.NewShard(name)
	}

	opener := func(ctx context.Context, name string) (storage.Shard, error) {
		return h.shards[name], nil
	}
	routerCfg := config.RouterConfig{CacheSize: 100, CacheTTL: time.Minute, VirtualNodes: 16}
	h.router = NewRoutingService(h.entitySets, testShards, opener, routerCfg, h.metrics, logger)
	h.properties = NewPropertyService(h.router, h.entitySets, h.versions, NoopObserver{}, logger)
	h.tracker = NewIndexingMetadataService(h.router, logger)
	h.leases = NewLeaseService(h.leaseStore, "worker-1", h.metrics, logger)

	cfg := schedulerConfig()
	h.indexing = NewIndexingService(h.entitySets, h.router, h.properties, h.tracker, h.search, h.leases, cfg, h.metrics, logger)
	h.linking = NewLinkingIndexingService(h.entitySets, h.router, h.properties, h.tracker, h.search, h.leases, cfg, h.metrics, logger)
	h.expiration = NewExpirationService(h.entitySets, h.router, h.tracker, h.edges, h.search, h.leases, h.versions, h.clock, NoopObserver{}, cfg, h.metrics, logger)
	h.hardDelete = NewHardDeleteService(h.entitySets, h.router, h.edges, h.search, h.leases, h.clock, NoopObserver{}, cfg, h.metrics, logger)
	h.deletion = NewDeletionService(h.entitySets, h.edges, h.properties, h.tracker, h.authorizer, h.jobs, h.versions, h.clock, NoopObserver{},
		config.DeletionConfig{SyncThreshold: 3, JobPollPeriod: 50 * time.Millisecond}, h.metrics, logger)

	t.Cleanup(func() {
		h.deletion.Stop()
		h.indexing.Stop()
		h.linking.Stop()
		h.expiration.Stop()
		h.hardDelete.Stop()
		h.router.Close()
	})

	h.name = &model.PropertyType{ID: uuid.New(), Name: "name", Datatype: model.DatatypeString}
	h.birthDate = &model.PropertyType{ID: uuid.New(), Name: "birth_date", Datatype: model.DatatypeDate}
	h.photo = &model.PropertyType{ID: uuid.New(), Name: "photo", Datatype: model.DatatypeBinary}
	for _, pt := range []*model.PropertyType{h.name, h.birthDate, h.photo} {
		require.NoError(t, h.entitySets.CreatePropertyType(h.ctx, pt))
	}
	h.entityType = &model.EntityType{
		ID:              uuid.New(),
		Name:            "person",
		PropertyTypeIDs: []uuid.UUID{h.name.ID, h.birthDate.ID, h.photo.ID},
	}
	require.NoError(t, h.entitySets.CreateEntityType(h.ctx, h.entityType))
	return h
}

func (h *harness) createEntitySet(t *testing.T, name string, flags ...model.EntitySetFlag) *model.EntitySet {
	t.Helper()
	es := &model.EntitySet{
		ID:           uuid.New(),
		Name:         name,
		EntityTypeID: h.entityType.ID,
		Partitions:   []int{1, 2},
		Flags:        flags,
		DataSource:   "shard-a",
		CreatedAt:    h.clock.Now(),
	}
	require.NoError(t, h.entitySets.CreateEntitySet(h.ctx, es))
	return es
}

func (h *harness) createLinkingSet(t *testing.T, name string, members ...uuid.UUID) *model.EntitySet {
	t.Helper()
	es := &model.EntitySet{
		ID:                 uuid.New(),
		Name:               name,
		EntityTypeID:       h.entityType.ID,
		Flags:              []model.EntitySetFlag{model.FlagLinking},
		LinkedEntitySetIDs: members,
		DataSource:         "shard-b",
		CreatedAt:          h.clock.Now(),
	}
	require.NoError(t, h.entitySets.CreateEntitySet(h.ctx, es))
	return es
}

// grant gives the harness principal permission on an entity set and all its property types
func (h *harness) grant(es *model.EntitySet, permissions ...model.Permission) {
	h.authorizer.Grant(h.principal, model.AclKey{es.ID}, permissions...)
	for _, pt := range h.entityType.PropertyTypeIDs {
		h.authorizer.Grant(h.principal, model.AclKey{es.ID, pt}, permissions...)
	}
}

func (h *harness) write(t *testing.T, es *model.EntitySet, key uuid.UUID, name string) model.WriteEvent {
	t.Helper()
	event, err := h.properties.Upsert(h.ctx, es.ID, map[uuid.UUID]model.Properties{
		key: {h.name.ID: {name}},
	}, model.UpdateModeMerge)
	require.NoError(t, err)
	return event
}

func (h *harness) metadata(t *testing.T, es *model.EntitySet, key uuid.UUID) *model.EntityMetadata {
	t.Helper()
	shard, err := h.router.Resolve(h.ctx, es.ID)
	require.NoError(t, err)
	rows, err := shard.EntityMetadata(h.ctx, es.ID, []uuid.UUID{key})
	require.NoError(t, err)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (h *harness) runOnce(t *testing.T, run func(context.Context) (bool, error)) {
	t.Helper()
	ran, err := run(h.ctx)
	require.NoError(t, err)
	require.True(t, ran)
}
