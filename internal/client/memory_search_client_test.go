package client

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/entitystore/internal/model"
)

func TestInMemorySearchClient_RejectAndRecover(t *testing.T) {
	c := NewInMemorySearchClient()
	ctx := context.Background()
	typeID, esID, key, name := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	c.Reject(esID, true)
	ok, err := c.CreateBulkEntityData(ctx, typeID, esID, map[uuid.UUID]model.Properties{key: {name: {"Alice"}}})
	require.NoError(t, err)
	assert.False(t, ok)
	_, found := c.Document(typeID, key)
	assert.False(t, found)

	c.Reject(esID, false)
	ok, err = c.CreateBulkEntityData(ctx, typeID, esID, map[uuid.UUID]model.Properties{key: {name: {"Alice"}}})
	require.NoError(t, err)
	assert.True(t, ok)

	doc, found := c.Document(typeID, key)
	require.True(t, found)
	assert.Equal(t, esID, doc.EntitySetID)
	assert.Equal(t, []any{"Alice"}, doc.Properties[name])

	ok, err = c.DeleteEntityDataBulk(ctx, typeID, []uuid.UUID{key})
	require.NoError(t, err)
	assert.True(t, ok)
	_, found = c.Document(typeID, key)
	assert.False(t, found)
	assert.Equal(t, 2, c.Pushes())
}

func TestInMemorySearchClient_Indices(t *testing.T) {
	c := NewInMemorySearchClient()
	ctx := context.Background()
	et := &model.EntityType{ID: uuid.New()}

	types, err := c.EntityTypesWithIndices(ctx)
	require.NoError(t, err)
	assert.Empty(t, types)

	ok, err := c.SaveEntityType(ctx, et, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	types, err = c.EntityTypesWithIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{et.ID}, types)
}

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer()
	ctx := context.Background()
	alice := model.Principal{Type: "USER", ID: "alice"}
	admins := model.Principal{Type: "ROLE", ID: "admins"}
	es, pt := uuid.New(), uuid.New()

	a.Grant(alice, model.AclKey{es}, model.PermissionWrite)
	a.Grant(admins, model.AclKey{es, pt}, model.PermissionOwner)

	results, err := a.AccessChecksForPrincipals(ctx, []model.AccessCheck{
		{AclKey: model.AclKey{es}, Permissions: []model.Permission{model.PermissionWrite, model.PermissionOwner}},
		{AclKey: model.AclKey{es, pt}, Permissions: []model.Permission{model.PermissionOwner}},
	}, []model.Principal{alice, admins})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Permissions[model.PermissionWrite])
	assert.False(t, results[0].Permissions[model.PermissionOwner])
	assert.True(t, results[1].Permissions[model.PermissionOwner])

	a.Revoke(admins, model.AclKey{es, pt}, model.PermissionOwner)
	results, err = a.AccessChecksForPrincipals(ctx, []model.AccessCheck{
		{AclKey: model.AclKey{es, pt}, Permissions: []model.Permission{model.PermissionOwner}},
	}, []model.Principal{alice, admins})
	require.NoError(t, err)
	assert.False(t, results[0].Permissions[model.PermissionOwner])
}
