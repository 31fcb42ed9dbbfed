package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/ir"
)

func seedRoleSystem(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	seedSystem(t, s, "ldap")
	require.NoError(t, s.PutRole(ctx, ir.Role{ID: "r-eng", Name: "engineering", Priority: 10}))
	require.NoError(t, s.PutRoleSystem(ctx, ir.RoleSystem{ID: "rs-1", RoleID: "r-eng", SystemID: "ldap", EntityType: "user"}))
	require.NoError(t, s.PutRoleSystemAttribute(ctx, ir.RoleSystemAttribute{
		ID: "rsa-1", RoleSystemID: "rs-1", RemoteAttr: "department", Value: ir.Str("eng"), Priority: 1,
	}))
	require.NoError(t, s.PutRoleSystemAttribute(ctx, ir.RoleSystemAttribute{
		ID: "rsa-2", RoleSystemID: "rs-1", RemoteAttr: "groups", Value: ir.List{ir.Str("dev")},
	}))
}

func TestSystemUpsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutSystem(ctx, ir.System{ID: "ldap", Name: "LDAP", ConnectorType: "memory"}))
	require.NoError(t, s.PutSystem(ctx, ir.System{
		ID: "ldap", Name: "Directory", ConnectorType: "memory", Settings: ir.Attrs{"fixture": ir.Str("x.yaml")},
	}))

	systems, err := s.ListSystems(ctx)
	require.NoError(t, err)
	require.Len(t, systems, 1)
	assert.Equal(t, "Directory", systems[0].Name)
	assert.Equal(t, ir.Str("x.yaml"), systems[0].Settings["fixture"])
}

func TestRoleSystemAttributeSeqAssigned(t *testing.T) {
	s := createTestStore(t)
	seedRoleSystem(t, s)

	attrs, err := s.ListRoleSystemAttributes(context.Background(), "rs-1")
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, int64(1), attrs[0].Seq)
	assert.Equal(t, int64(2), attrs[1].Seq)
	assert.Equal(t, ir.List{ir.Str("dev")}, attrs[1].Value)
}

func TestGrantsForAccount(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedRoleSystem(t, s)
	a := createTestAccount(t, s, "acc-1", "ldap", "ada")
	require.NoError(t, s.LinkIdentity(ctx, ir.IdentityAccount{
		ID: "l1", IdentityID: "id-ada", AccountID: a.ID, RoleSystemID: "rs-1",
	}))

	grants, err := s.GrantsForAccount(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, 10, grants[0].RolePriority)
	assert.Equal(t, "department", grants[0].Attribute.RemoteAttr)
	assert.Equal(t, ir.Str("eng"), grants[0].Attribute.Value)
}

func TestDeleteRoleSystemCascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedRoleSystem(t, s)
	a := createTestAccount(t, s, "acc-1", "ldap", "ada")
	require.NoError(t, s.LinkIdentity(ctx, ir.IdentityAccount{
		ID: "l1", IdentityID: "id-ada", AccountID: a.ID, RoleSystemID: "rs-1",
	}))

	require.NoError(t, s.DeleteRoleSystem(ctx, "rs-1"))

	attrs, err := s.ListRoleSystemAttributes(ctx, "rs-1")
	require.NoError(t, err)
	assert.Empty(t, attrs)

	links, err := s.ListIdentityLinks(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, links, 1, "identity link survives, detached")
	assert.Empty(t, links[0].RoleSystemID)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM role_systems`).Scan(&n))
	assert.Zero(t, n)
}

func TestRoleSystemDeleteWithoutCascadeFails(t *testing.T) {
	s := createTestStore(t)
	seedRoleSystem(t, s)

	_, err := s.DB().Exec(`DELETE FROM role_systems WHERE id = 'rs-1'`)
	assert.Error(t, err, "foreign keys must block orphaning attributes")
}

func TestMappingsUpsertAndOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSystem(t, s, "ldap")
	for _, m := range []ir.AttributeMapping{
		{ID: "m2", SystemID: "ldap", EntityType: "user", RemoteAttr: "mail", InternalAttr: "email", Direction: ir.DirectionBoth},
		{ID: "m1", SystemID: "ldap", EntityType: "user", RemoteAttr: "cn", InternalAttr: "name", Direction: ir.DirectionInbound},
		{ID: "m3", SystemID: "ldap", EntityType: "user", RemoteAttr: "mail", InternalAttr: "email", Direction: ir.DirectionOutbound, ClearWhenAbsent: true},
	} {
		require.NoError(t, s.PutMapping(ctx, m))
	}

	mappings, err := s.ListMappings(ctx, "ldap", "user")
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "cn", mappings[0].RemoteAttr)
	assert.Equal(t, ir.DirectionOutbound, mappings[1].Direction)
	assert.True(t, mappings[1].ClearWhenAbsent)
}
