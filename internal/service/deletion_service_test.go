package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/model"
)

type associationFixture struct {
	people, places, livesAt *model.EntitySet
	person, place, edge     uuid.UUID
}

func newAssociationFixture(t *testing.T, h *harness) *associationFixture {
	t.Helper()
	f := &associationFixture{
		people:  h.createEntitySet(t, "people"),
		places:  h.createEntitySet(t, "places"),
		livesAt: h.createEntitySet(t, "lives-at", model.FlagAssociation),
		person:  uuid.New(),
		place:   uuid.New(),
		edge:    uuid.New(),
	}
	h.write(t, f.people, f.person, "Alice")
	h.write(t, f.places, f.place, "home")
	h.write(t, f.livesAt, f.edge, "since 2020")
	require.NoError(t, h.edges.AddEdges(h.ctx, []*model.Edge{{
		Src:     model.EntityDataKey{EntitySetID: f.people.ID, EntityKeyID: f.person},
		Dst:     model.EntityDataKey{EntitySetID: f.places.ID, EntityKeyID: f.place},
		Edge:    model.EntityDataKey{EntitySetID: f.livesAt.ID, EntityKeyID: f.edge},
		Version: 1,
	}}))
	return f
}

func TestDeletionService_RequiresPermissions(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	key := uuid.New()
	h.write(t, es, key, "Alice")
	principals := []model.Principal{h.principal}

	_, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, principals, es.ID, []uuid.UUID{key}, model.DeleteSoft)
	require.Error(t, err)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeUnauthorized))

	h.grant(es, model.PermissionWrite)
	_, _, err = h.deletion.ClearOrDeleteEntities(h.ctx, principals, es.ID, []uuid.UUID{key}, model.DeleteHard)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeUnauthorized))

	event, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, principals, es.ID, []uuid.UUID{key}, model.DeleteSoft)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)
	assert.True(t, h.metadata(t, es, key).IsTombstoned())
}

func TestDeletionService_ReportsMissingPropertyTypeAclKeys(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	h.grant(es, model.PermissionOwner)
	h.authorizer.Revoke(h.principal, model.AclKey{es.ID, h.photo.ID}, model.PermissionOwner)

	_, err := h.deletion.ClearOrDeleteEntitySet(h.ctx, []model.Principal{h.principal}, es.ID, model.DeleteHard)
	require.Error(t, err)
	var se *storeerrors.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{model.AclKey{es.ID, h.photo.ID}.String()}, se.Details["acl_keys"])
}

func TestDeletionService_AuthorizesNeighborAssociationSets(t *testing.T) {
	h := newHarness(t)
	f := newAssociationFixture(t, h)
	principals := []model.Principal{h.principal}
	h.grant(f.people, model.PermissionOwner)

	_, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, principals, f.people.ID, []uuid.UUID{f.person}, model.DeleteHard)
	require.Error(t, err)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeUnauthorized))
	assert.Contains(t, err.Error(), f.livesAt.ID.String())

	h.grant(f.livesAt, model.PermissionOwner)
	event, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, principals, f.people.ID, []uuid.UUID{f.person}, model.DeleteHard)
	require.NoError(t, err)
	assert.Equal(t, 2, event.NumUpdates)

	assert.Equal(t, int64(0), h.metadata(t, f.people, f.person).Version)
	assert.Equal(t, int64(0), h.metadata(t, f.livesAt, f.edge).Version)
	assert.True(t, h.metadata(t, f.places, f.place).IsLive())
	edges, err := h.edges.EdgesOf(h.ctx, f.places.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDeletionService_SoftDeleteClearsEdges(t *testing.T) {
	h := newHarness(t)
	f := newAssociationFixture(t, h)
	h.grant(f.people, model.PermissionWrite)
	h.grant(f.livesAt, model.PermissionWrite)

	_, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, []model.Principal{h.principal}, f.people.ID, []uuid.UUID{f.person}, model.DeleteSoft)
	require.NoError(t, err)

	assert.True(t, h.metadata(t, f.people, f.person).IsTombstoned())
	assert.True(t, h.metadata(t, f.livesAt, f.edge).IsTombstoned())
	edges, err := h.edges.EdgesOf(h.ctx, f.people.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDeletionService_AssociationSetSkipsNeighborChecks(t *testing.T) {
	h := newHarness(t)
	f := newAssociationFixture(t, h)
	h.grant(f.livesAt, model.PermissionOwner)

	event, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, []model.Principal{h.principal}, f.livesAt.ID, []uuid.UUID{f.edge}, model.DeleteHard)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)
	assert.True(t, h.metadata(t, f.people, f.person).IsLive())
	edges, err := h.edges.EdgesOf(h.ctx, f.people.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestDeletionService_LargeRequestsRunAsJobs(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	h.grant(es, model.PermissionOwner)

	keys := make([]uuid.UUID, 5)
	for i := range keys {
		keys[i] = uuid.New()
		h.write(t, es, keys[i], "person")
	}

	event, jobID, err := h.deletion.ClearOrDeleteEntities(h.ctx, []model.Principal{h.principal}, es.ID, keys, model.DeleteHard)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, jobID)
	assert.Zero(t, event.NumUpdates)
	assert.True(t, h.metadata(t, es, keys[0]).IsLive())

	job, err := h.jobs.NextJob(h.ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Len(t, job.EntityKeyIDs, 5)

	require.NoError(t, h.deletion.ExecuteJob(h.ctx, job))
	stored, err := h.jobs.GetJob(h.ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	assert.Equal(t, 5, stored.Deleted)
	assert.True(t, h.clock.Now().Equal(stored.CreatedAt), "job keeps the service clock's submit time")
	assert.True(t, h.clock.Now().Equal(stored.UpdatedAt))
	for _, key := range keys {
		assert.Equal(t, int64(0), h.metadata(t, es, key).Version)
	}
}

func TestDeletionService_EntitySetDeletionIsAsync(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	h.grant(es, model.PermissionWrite)
	a, b := uuid.New(), uuid.New()
	h.write(t, es, a, "Alice")
	h.write(t, es, b, "Bob")

	jobID, err := h.deletion.ClearOrDeleteEntitySet(h.ctx, []model.Principal{h.principal}, es.ID, model.DeleteSoft)
	require.NoError(t, err)
	assert.True(t, h.metadata(t, es, a).IsLive())

	h.deletion.StartJobRunner(h.ctx)
	require.Eventually(t, func() bool {
		job, err := h.jobs.GetJob(h.ctx, jobID)
		return err == nil && job.Status == model.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	h.deletion.Stop()

	assert.True(t, h.metadata(t, es, a).IsTombstoned())
	assert.True(t, h.metadata(t, es, b).IsTombstoned())
}

func TestDeletionService_FailedJobIsRecorded(t *testing.T) {
	h := newHarness(t)
	job := &model.DeletionJob{EntitySetID: uuid.New(), DeleteType: model.DeleteHard}
	id, err := h.jobs.SubmitJob(h.ctx, job)
	require.NoError(t, err)

	err = h.deletion.ExecuteJob(h.ctx, job)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeNotFound))

	stored, err := h.jobs.GetJob(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestDeletionService_ClearOrDeleteProperties(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	key := uuid.New()
	_, err := h.properties.Upsert(h.ctx, es.ID, map[uuid.UUID]model.Properties{
		key: {h.name.ID: {"Alice"}, h.birthDate.ID: {"1990-04-02"}},
	}, model.UpdateModeMerge)
	require.NoError(t, err)
	h.runOnce(t, h.indexing.RunOnce)

	principals := []model.Principal{h.principal}
	h.authorizer.Grant(h.principal, model.AclKey{es.ID}, model.PermissionOwner)
	_, err = h.deletion.ClearOrDeleteProperties(h.ctx, principals, es.ID, []uuid.UUID{key}, []uuid.UUID{h.birthDate.ID}, model.DeleteHard)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeUnauthorized))

	h.authorizer.Grant(h.principal, model.AclKey{es.ID, h.birthDate.ID}, model.PermissionOwner)
	event, err := h.deletion.ClearOrDeleteProperties(h.ctx, principals, es.ID, []uuid.UUID{key}, []uuid.UUID{h.birthDate.ID}, model.DeleteHard)
	require.NoError(t, err)
	assert.Equal(t, 1, event.NumUpdates)

	meta := h.metadata(t, es, key)
	assert.True(t, meta.IsLive())
	assert.True(t, meta.IndexDirty())
	data, err := h.properties.ReadEntitySet(h.ctx, es.ID, []uuid.UUID{key}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.Properties{h.name.ID: {"Alice"}}, data[key])
}

func TestDeletionService_RejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	linking := h.createLinkingSet(t, "people-linked", es.ID)
	principals := []model.Principal{h.principal}

	_, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, principals, es.ID, nil, model.DeleteSoft)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeInvalidArgument))

	_, err = h.deletion.ClearOrDeleteEntitySet(h.ctx, principals, linking.ID, model.DeleteSoft)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeInvalidArgument))

	_, err = h.deletion.ClearOrDeleteEntitySet(h.ctx, principals, es.ID, model.DeleteType("Purge"))
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeInvalidArgument))

	_, err = h.deletion.ClearOrDeleteEntitySet(h.ctx, principals, uuid.New(), model.DeleteSoft)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeNotFound))
}

func TestDeletionService_DeleteEntitySetDefinitionRequiresOwner(t *testing.T) {
	h := newHarness(t)
	es := h.createEntitySet(t, "people")
	h.grant(es, model.PermissionWrite)

	err := h.deletion.DeleteEntitySetDefinition(h.ctx, []model.Principal{h.principal}, es.ID)
	assert.True(t, storeerrors.IsCode(err, storeerrors.ErrCodeUnauthorized))

	_, err = h.entitySets.GetEntitySet(h.ctx, es.ID)
	assert.NoError(t, err)
}

func TestDeletionService_DeletingLinkedMemberFlagsRelinking(t *testing.T) {
	h := newHarness(t)
	f := newLinkedFixture(t, h)
	linking := h.createLinkingSet(t, "people-linked", f.left.ID, f.right.ID)
	h.runOnce(t, h.linking.RunOnce)
	h.grant(f.left, model.PermissionWrite)

	_, _, err := h.deletion.ClearOrDeleteEntities(h.ctx, []model.Principal{h.principal}, f.left.ID, []uuid.UUID{f.a}, model.DeleteSoft)
	require.NoError(t, err)

	meta := h.metadata(t, f.left, f.a)
	assert.Equal(t, model.NeverIndexed, meta.LastLink)
	assert.NotEqual(t, model.NeverIndexed, h.metadata(t, f.right, f.b).LastLink)

	// the linker reassigns the surviving member and the merged document drops the deleted one
	h.link(t, f.right, f.b, f.linkingID)
	h.runOnce(t, h.linking.RunOnce)

	doc, ok := h.search.LinkedDocument(linking.ID, f.linkingID)
	require.True(t, ok)
	assert.Equal(t, []any{"Alicia"}, doc[h.name.ID])
}

func TestDeletionService_DeletingLinkedPropertiesFlagsRelinking(t *testing.T) {
	h := newHarness(t)
	f := newLinkedFixture(t, h)
	h.createLinkingSet(t, "people-linked", f.left.ID, f.right.ID)
	h.runOnce(t, h.linking.RunOnce)
	h.grant(f.left, model.PermissionOwner)

	_, err := h.deletion.ClearOrDeleteProperties(h.ctx, []model.Principal{h.principal}, f.left.ID,
		[]uuid.UUID{f.a}, []uuid.UUID{h.name.ID}, model.DeleteHard)
	require.NoError(t, err)

	assert.Equal(t, model.NeverIndexed, h.metadata(t, f.left, f.a).LastLink)
}
