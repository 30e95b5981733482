package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
)

var (
	ctx     = context.Background()
	esID    = uuid.New()
	namePT  = uuid.New()
	agePT   = uuid.New()
	birthPT = uuid.New()
)

func cellOf(pt uuid.UUID, value any) storage.CellWrite {
	return storage.CellWrite{PropertyTypeID: pt, Hash: []byte(pt.String() + "|" + toString(value)), Value: value}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string"
}

func write(t *testing.T, s *Shard, key uuid.UUID, mode model.UpdateMode, version int64, cells ...storage.CellWrite) {
	t.Helper()
	n, err := s.WriteEntities(ctx, esID, []storage.EntityWrite{{EntityKeyID: key, Partition: 1, Cells: cells}}, mode, version)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func read(t *testing.T, s *Shard, key uuid.UUID, asOf int64) model.Properties {
	t.Helper()
	var props model.Properties
	err := s.ReadEntities(ctx, storage.ReadRequest{EntitySetID: esID, EntityKeyIDs: []uuid.UUID{key}, AsOf: asOf},
		func(r *storage.EntityRecord) error {
			props = r.Properties
			return nil
		})
	require.NoError(t, err)
	return props
}

func meta(t *testing.T, s *Shard, key uuid.UUID) *model.EntityMetadata {
	t.Helper()
	rows, err := s.EntityMetadata(ctx, esID, []uuid.UUID{key})
	require.NoError(t, err)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func TestWriteCreatesMetadata(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()

	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"))

	m := meta(t, s, key)
	require.NotNil(t, m)
	assert.Equal(t, int64(1_000), m.Version)
	assert.Equal(t, 1, m.Partition)
	assert.Equal(t, time.UnixMilli(1_000).UTC(), m.LastWrite)
	assert.Equal(t, model.NeverIndexed, m.LastIndex)
	assert.True(t, m.IndexDirty())
	assert.Equal(t, []any{"Alice"}, read(t, s, key, 0)[namePT])
}

func TestMergeKeepsExistingValues(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()

	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"))
	write(t, s, key, model.UpdateModeMerge, 2_000, cellOf(namePT, "Alicia"))

	assert.ElementsMatch(t, []any{"Alice", "Alicia"}, read(t, s, key, 0)[namePT])
	assert.Equal(t, []int64{1_000, 2_000}, meta(t, s, key).Versions)
}

func TestReplaceTombstonesMissingValues(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()

	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"), cellOf(agePT, "30"))
	write(t, s, key, model.UpdateModeReplace, 2_000, cellOf(namePT, "Bob"))

	props := read(t, s, key, 0)
	assert.Equal(t, []any{"Bob"}, props[namePT])
	assert.NotContains(t, props, agePT)

	count, err := s.CellCount(ctx, esID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPartialReplaceOnlyTouchesNamedProperties(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()

	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"), cellOf(agePT, "30"))
	write(t, s, key, model.UpdateModePartialReplace, 2_000, cellOf(namePT, "Bob"))

	props := read(t, s, key, 0)
	assert.Equal(t, []any{"Bob"}, props[namePT])
	assert.Equal(t, []any{"30"}, props[agePT])
}

func TestClearIsReversibleAsOfEarlierVersion(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"))

	before, err := s.CellCount(ctx, esID)
	require.NoError(t, err)

	n, err := s.TombstoneProperties(ctx, esID, []uuid.UUID{key}, []uuid.UUID{namePT}, 2_000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := s.CellCount(ctx, esID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Empty(t, read(t, s, key, 0))
	assert.Equal(t, []any{"Alice"}, read(t, s, key, 1_500)[namePT])
	assert.Empty(t, read(t, s, key, 2_000))

	m := meta(t, s, key)
	assert.Equal(t, int64(-2_000), m.Version)
	assert.True(t, m.IsTombstoned())
}

func TestClearSomePropertiesKeepsEntityLive(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"), cellOf(agePT, "30"))

	_, err := s.TombstoneProperties(ctx, esID, nil, []uuid.UUID{agePT}, 2_000)
	require.NoError(t, err)

	assert.Equal(t, int64(2_000), meta(t, s, key).Version)
	assert.NotContains(t, read(t, s, key, 0), agePT)
}

func TestRewriteAfterTombstoneRevives(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"))
	_, err := s.TombstoneEntities(ctx, esID, nil, 2_000)
	require.NoError(t, err)

	write(t, s, key, model.UpdateModeMerge, 3_000, cellOf(namePT, "Alice"))

	assert.Equal(t, []any{"Alice"}, read(t, s, key, 0)[namePT])
	assert.Empty(t, read(t, s, key, 2_500))
	assert.Equal(t, int64(3_000), meta(t, s, key).Version)
}

func TestTombstoneEntitiesSkipsDeleted(t *testing.T) {
	s := NewShard("mem")
	live, gone := uuid.New(), uuid.New()
	write(t, s, live, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"))
	write(t, s, gone, model.UpdateModeMerge, 1_000, cellOf(namePT, "Bob"))
	_, err := s.DeleteEntities(ctx, esID, []uuid.UUID{gone}, 1_500)
	require.NoError(t, err)

	n, err := s.TombstoneEntities(ctx, esID, nil, 2_000)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), meta(t, s, gone).Version)
}

func TestDeletePropertiesZeroesEmptyEntities(t *testing.T) {
	s := NewShard("mem")
	partial, emptied := uuid.New(), uuid.New()
	write(t, s, partial, model.UpdateModeMerge, 1_000, cellOf(namePT, "Alice"), cellOf(agePT, "30"))
	write(t, s, emptied, model.UpdateModeMerge, 1_000, cellOf(agePT, "40"))

	n, err := s.DeleteProperties(ctx, esID, nil, []uuid.UUID{agePT}, 2_000)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, int64(2_000), meta(t, s, partial).Version)
	m := meta(t, s, emptied)
	assert.Equal(t, int64(0), m.Version)
	assert.Equal(t, time.UnixMilli(2_000).UTC(), m.LastWrite)

	count, err := s.CellCount(ctx, esID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDirtyAndUnindexedDeletes(t *testing.T) {
	s := NewShard("mem")
	a, b := uuid.New(), uuid.New()
	write(t, s, a, model.UpdateModeMerge, 1_000, cellOf(namePT, "A"))
	write(t, s, b, model.UpdateModeMerge, 1_100, cellOf(namePT, "B"))
	_, err := s.TombstoneEntities(ctx, esID, []uuid.UUID{b}, 1_200)
	require.NoError(t, err)

	dirty, err := s.DirtyEntities(ctx, esID, 10)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, a, dirty[0].EntityKeyID)

	deletes, err := s.UnindexedDeletes(ctx, esID, 10)
	require.NoError(t, err)
	require.Len(t, deletes, 1)
	assert.Equal(t, b, deletes[0].EntityKeyID)
	assert.Equal(t, time.UnixMilli(1_200).UTC(), deletes[0].LastWrite)

	_, err = s.MarkIndexed(ctx, esID, map[uuid.UUID]time.Time{a: dirty[0].LastWrite})
	require.NoError(t, err)
	dirty, err = s.DirtyEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	_, err = s.MarkUnindexed(ctx, esID, nil)
	require.NoError(t, err)
	dirty, err = s.DirtyEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Len(t, dirty, 1)
}

func TestMarkIndexedWithStaleWatermarkStaysDirty(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "A"))
	observed, err := s.DirtyEntities(ctx, esID, 10)
	require.NoError(t, err)

	write(t, s, key, model.UpdateModeMerge, 2_000, cellOf(namePT, "B"))
	_, err = s.MarkIndexed(ctx, esID, map[uuid.UUID]time.Time{key: observed[0].LastWrite})
	require.NoError(t, err)

	assert.True(t, meta(t, s, key).IndexDirty())
}

func TestPurgeRequiresEligibility(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "A"))
	_, err := s.DeleteEntities(ctx, esID, []uuid.UUID{key}, 2_000)
	require.NoError(t, err)

	purgeable, err := s.PurgeableEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Empty(t, purgeable)

	n, err := s.PurgeEntities(ctx, esID, []uuid.UUID{key})
	require.NoError(t, err)
	assert.Zero(t, n, "purged while still indexed")

	_, err = s.MarkIndexed(ctx, esID, map[uuid.UUID]time.Time{key: time.UnixMilli(2_000)})
	require.NoError(t, err)
	purgeable, err = s.PurgeableEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{key}, purgeable)

	n, err = s.PurgeEntities(ctx, esID, purgeable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, meta(t, s, key))
}

func TestLinkDirty(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	linkingID := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "A"))

	dirty, err := s.LinkDirtyEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Empty(t, dirty, "not linked yet")

	_, err = s.MarkLinked(ctx, esID, map[uuid.UUID]uuid.UUID{key: linkingID}, time.UnixMilli(1_500))
	require.NoError(t, err)
	dirty, err = s.LinkDirtyEntities(ctx, esID, 10)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, linkingID, *dirty[0].LinkingID)

	var linked []uuid.UUID
	err = s.ReadLinkedEntities(ctx, esID, []uuid.UUID{linkingID}, nil, func(r *storage.EntityRecord) error {
		linked = append(linked, r.Metadata.EntityKeyID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{key}, linked)

	_, err = s.MarkLinkIndexed(ctx, esID, map[uuid.UUID]time.Time{key: dirty[0].LastWrite})
	require.NoError(t, err)
	dirty, err = s.LinkDirtyEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	_, err = s.MarkNeedsLinking(ctx, esID, []uuid.UUID{key})
	require.NoError(t, err)
	assert.Equal(t, model.NeverIndexed, meta(t, s, key).LastLink)
}

func TestExpiringEntities(t *testing.T) {
	s := NewShard("mem")
	old, fresh, metaOnly := uuid.New(), uuid.New(), uuid.New()
	write(t, s, old, model.UpdateModeMerge, 1_000, cellOf(namePT, "old"), cellOf(birthPT, "1990-01-01"))
	write(t, s, fresh, model.UpdateModeMerge, 5_000, cellOf(namePT, "fresh"), cellOf(birthPT, "2030-01-01"))
	write(t, s, metaOnly, model.UpdateModeMerge, 1_000, cellOf(namePT, "gone"))
	_, err := s.DeleteEntityCells(ctx, esID, []uuid.UUID{metaOnly})
	require.NoError(t, err)
	write(t, s, old, model.UpdateModeMerge, 6_000, cellOf(agePT, "late"))

	cutoff := time.UnixMilli(2_000)
	first, err := s.ExpiringEntities(ctx, esID, model.ExpirationFilter{Type: model.ExpireFirstWrite, Cutoff: cutoff}, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old}, first)

	last, err := s.ExpiringEntities(ctx, esID, model.ExpirationFilter{Type: model.ExpireLastWrite, Cutoff: cutoff}, 10)
	require.NoError(t, err)
	assert.Empty(t, last)

	byDate, err := s.ExpiringEntities(ctx, esID, model.ExpirationFilter{
		Type: model.ExpireDateProperty, Cutoff: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), StartPropertyTypeID: birthPT,
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old}, byDate)
}

func TestDeleteCountsDetectHalfDeletedEntity(t *testing.T) {
	s := NewShard("mem")
	a, b := uuid.New(), uuid.New()
	write(t, s, a, model.UpdateModeMerge, 1_000, cellOf(namePT, "A"))
	write(t, s, b, model.UpdateModeMerge, 1_000, cellOf(namePT, "B"))
	s.DropMetadataRow(esID, b)

	cells, err := s.DeleteEntityCells(ctx, esID, []uuid.UUID{a, b})
	require.NoError(t, err)
	rows, err := s.DeleteMetadataRows(ctx, esID, []uuid.UUID{a, b})
	require.NoError(t, err)

	assert.Equal(t, 2, cells)
	assert.Equal(t, 1, rows)
}

func TestRetireEntitiesMakesRowsPurgeable(t *testing.T) {
	s := NewShard("mem")
	key := uuid.New()
	write(t, s, key, model.UpdateModeMerge, 1_000, cellOf(namePT, "A"))

	rows, err := s.ScanEntities(ctx, esID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = s.RetireEntities(ctx, esID, []uuid.UUID{key}, time.UnixMilli(3_000))
	require.NoError(t, err)

	purgeable, err := s.PurgeableEntities(ctx, esID, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{key}, purgeable)
}
