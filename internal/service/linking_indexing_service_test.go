package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/entitystore/internal/model"
)

type linkedFixture struct {
	left, right *model.EntitySet
	a, b        uuid.UUID
	linkingID   uuid.UUID
}

// newLinkedFixture writes one entity to each of two entity sets and links them together
func newLinkedFixture(t *testing.T, h *harness) *linkedFixture {
	t.Helper()
	f := &linkedFixture{
		left:      h.createEntitySet(t, "left"),
		right:     h.createEntitySet(t, "right"),
		a:         uuid.New(),
		b:         uuid.New(),
		linkingID: uuid.New(),
	}
	h.write(t, f.left, f.a, "Alice")
	h.write(t, f.right, f.b, "Alicia")
	h.link(t, f.left, f.a, f.linkingID)
	h.link(t, f.right, f.b, f.linkingID)
	return f
}

func (h *harness) link(t *testing.T, es *model.EntitySet, key, linkingID uuid.UUID) {
	t.Helper()
	h.clock.Advance(time.Second)
	n, err := h.tracker.MarkLinked(h.ctx, es.ID, map[uuid.UUID]uuid.UUID{key: linkingID}, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLinkingIndexingService_PushesMergedDocuments(t *testing.T) {
	h := newHarness(t)
	f := newLinkedFixture(t, h)
	linking := h.createLinkingSet(t, "people-linked", f.left.ID, f.right.ID)

	h.runOnce(t, h.linking.RunOnce)

	doc, ok := h.search.LinkedDocument(linking.ID, f.linkingID)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"Alice", "Alicia"}, doc[h.name.ID])
	assert.False(t, h.metadata(t, f.left, f.a).LinkDirty())
	assert.False(t, h.metadata(t, f.right, f.b).LinkDirty())
}

func TestLinkingIndexingService_PartialFailureLeavesLinkingIDDirty(t *testing.T) {
	h := newHarness(t)
	f := newLinkedFixture(t, h)
	first := h.createLinkingSet(t, "linked-1", f.left.ID, f.right.ID)
	second := h.createLinkingSet(t, "linked-2", f.left.ID, f.right.ID)

	h.search.Reject(second.ID, true)
	h.runOnce(t, h.linking.RunOnce)

	_, ok := h.search.LinkedDocument(second.ID, f.linkingID)
	assert.False(t, ok)
	assert.True(t, h.metadata(t, f.left, f.a).LinkDirty())
	assert.True(t, h.metadata(t, f.right, f.b).LinkDirty())

	h.search.Reject(second.ID, false)
	h.runOnce(t, h.linking.RunOnce)

	for _, linking := range []*model.EntitySet{first, second} {
		_, ok := h.search.LinkedDocument(linking.ID, f.linkingID)
		assert.True(t, ok)
	}
	assert.False(t, h.metadata(t, f.left, f.a).LinkDirty())
	assert.False(t, h.metadata(t, f.right, f.b).LinkDirty())
}

func TestLinkingIndexingService_RemovesLinkingIDsWithoutLiveMembers(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	linking := h.createLinkingSet(t, "people-linked", es.ID)
	key, linkingID := uuid.New(), uuid.New()
	h.write(t, es, key, "Alice")
	h.link(t, es, key, linkingID)

	h.runOnce(t, h.linking.RunOnce)
	_, ok := h.search.LinkedDocument(linking.ID, linkingID)
	require.True(t, ok)

	_, err := h.properties.Clear(h.ctx, es.ID, []uuid.UUID{key}, nil)
	require.NoError(t, err)
	h.link(t, es, key, linkingID)

	h.runOnce(t, h.linking.RunOnce)
	_, ok = h.search.LinkedDocument(linking.ID, linkingID)
	assert.False(t, ok)
	assert.False(t, h.metadata(t, es, key).LinkDirty())
}

func TestLinkingIndexingService_IgnoresUnlinkedEntities(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	linking := h.createLinkingSet(t, "people-linked", es.ID)
	key := uuid.New()
	h.write(t, es, key, "Alice")

	h.runOnce(t, h.linking.RunOnce)

	pushes := h.search.Pushes()
	assert.Zero(t, pushes)
	_, ok := h.search.LinkedDocument(linking.ID, key)
	assert.False(t, ok)
}
