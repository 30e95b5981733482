package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/entitystore/internal/model"
)

func TestHardDeleteService_WaitsForIndexToCatchUp(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	key := uuid.New()
	h.write(t, es, key, "Alice")
	h.runOnce(t, h.indexing.RunOnce)

	_, err := h.properties.DeleteEntities(h.ctx, es.ID, []uuid.UUID{key})
	require.NoError(t, err)

	// lastIndex < lastWrite: the row must survive the sweep
	h.runOnce(t, h.hardDelete.RunOnce)
	meta := h.metadata(t, es, key)
	require.NotNil(t, meta)
	assert.True(t, meta.IndexDirty())

	h.runOnce(t, h.indexing.RunOnce)
	h.runOnce(t, h.hardDelete.RunOnce)
	assert.Nil(t, h.metadata(t, es, key))
}

func TestHardDeleteService_KeepsTombstonedEntities(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	key := uuid.New()
	h.write(t, es, key, "Alice")

	_, err := h.properties.Clear(h.ctx, es.ID, []uuid.UUID{key}, nil)
	require.NoError(t, err)
	h.runOnce(t, h.indexing.RunOnce)
	h.runOnce(t, h.hardDelete.RunOnce)

	meta := h.metadata(t, es, key)
	require.NotNil(t, meta)
	assert.True(t, meta.IsTombstoned())
}

func TestHardDeleteService_PurgesInBatchesAndRemovesEdges(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	other := h.createEntitySet(t, "places")
	assoc := h.createEntitySet(t, "lives-at", model.FlagAssociation)

	keys := make([]uuid.UUID, 5)
	for i := range keys {
		keys[i] = uuid.New()
		h.write(t, es, keys[i], "person")
	}
	place, edge := uuid.New(), uuid.New()
	h.write(t, other, place, "home")
	h.write(t, assoc, edge, "since 2020")
	require.NoError(t, h.edges.AddEdges(h.ctx, []*model.Edge{{
		Src:     model.EntityDataKey{EntitySetID: es.ID, EntityKeyID: keys[0]},
		Dst:     model.EntityDataKey{EntitySetID: other.ID, EntityKeyID: place},
		Edge:    model.EntityDataKey{EntitySetID: assoc.ID, EntityKeyID: edge},
		Version: 1,
	}}))

	_, err := h.properties.DeleteEntities(h.ctx, es.ID, nil)
	require.NoError(t, err)
	h.runOnce(t, h.indexing.RunOnce)
	h.runOnce(t, h.hardDelete.RunOnce)

	for _, key := range keys {
		assert.Nil(t, h.metadata(t, es, key))
	}
	edges, err := h.edges.EdgesOf(h.ctx, other.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.NotNil(t, h.metadata(t, other, place))
}

func TestHardDeleteService_DrainsDeletedEntitySets(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	live, cleared := uuid.New(), uuid.New()
	h.write(t, es, live, "Alice")
	h.write(t, es, cleared, "Bob")
	h.runOnce(t, h.indexing.RunOnce)
	_, err := h.properties.Clear(h.ctx, es.ID, []uuid.UUID{cleared}, nil)
	require.NoError(t, err)

	h.grant(es, model.PermissionOwner)
	require.NoError(t, h.deletion.DeleteEntitySetDefinition(h.ctx, []model.Principal{h.principal}, es.ID))

	deleted, err := h.entitySets.ListDeletedEntitySets(h.ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	h.runOnce(t, h.hardDelete.RunOnce)

	shard := h.shards[es.DataSource]
	rows, err := shard.EntityMetadata(h.ctx, es.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	cells, err := shard.CellCount(h.ctx, es.ID)
	require.NoError(t, err)
	assert.Zero(t, cells)
	_, ok := h.search.Document(h.entityType.ID, live)
	assert.False(t, ok)

	deleted, err = h.entitySets.ListDeletedEntitySets(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestHardDeleteService_DeletedEntitySetWaitsForIndex(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	key := uuid.New()
	h.write(t, es, key, "Alice")
	h.runOnce(t, h.indexing.RunOnce)
	require.NoError(t, h.entitySets.DeleteEntitySet(h.ctx, es.ID, h.clock.Now()))

	h.search.RejectDeletes(true)
	h.runOnce(t, h.hardDelete.RunOnce)

	rows, err := h.shards[es.DataSource].EntityMetadata(h.ctx, es.ID, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	deleted, err := h.entitySets.ListDeletedEntitySets(h.ctx)
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

// Write, index, clear, unindex, delete, sweep: the entity ends up gone from both tables.
func TestScenario_ClearUnindexAndPurge(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "ES1")
	e1 := uuid.New()

	t1 := h.write(t, es, e1, "Alice")
	h.runOnce(t, h.indexing.RunOnce)
	assert.Equal(t, model.VersionTime(t1.Version), h.metadata(t, es, e1).LastIndex)

	t2, err := h.properties.Clear(h.ctx, es.ID, []uuid.UUID{e1}, []uuid.UUID{h.name.ID})
	require.NoError(t, err)
	assert.Negative(t, h.metadata(t, es, e1).Version)

	h.runOnce(t, h.indexing.RunOnce)
	_, ok := h.search.Document(h.entityType.ID, e1)
	assert.False(t, ok)
	assert.Equal(t, model.VersionTime(t2.Version), h.metadata(t, es, e1).LastIndex)

	_, err = h.properties.DeleteEntities(h.ctx, es.ID, []uuid.UUID{e1})
	require.NoError(t, err)
	h.runOnce(t, h.indexing.RunOnce)
	h.runOnce(t, h.hardDelete.RunOnce)

	assert.Nil(t, h.metadata(t, es, e1))
	cells, err := h.shards[es.DataSource].CellCount(h.ctx, es.ID)
	require.NoError(t, err)
	assert.Zero(t, cells)
	data, err := h.properties.ReadEntitySet(h.ctx, es.ID, []uuid.UUID{e1}, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}
