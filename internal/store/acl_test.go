package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/realm"
)

func TestACLStore_DenyShadowsAllow(t *testing.T) {
	db := newTestDB(t)
	s := NewACLStore(db)
	ctx := context.Background()

	from := realm.ActrType{Manufacturer: "acme", Name: "sensor"}
	to := realm.ActrType{Manufacturer: "acme", Name: "actuator"}

	require.NoError(t, s.PutRule(ctx, realm.ACLRule{RealmID: 1, FromType: from, ToType: to, Permission: realm.PermissionAllow}))
	ok, err := s.CanDiscover(ctx, 1, from, to)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.PutRule(ctx, realm.ACLRule{RealmID: 1, FromType: from, ToType: to, Permission: realm.PermissionDeny}))
	ok, err = s.CanDiscover(ctx, 1, from, to)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestACLStore_RulesScopedByRealm(t *testing.T) {
	db := newTestDB(t)
	s := NewACLStore(db)
	ctx := context.Background()

	from := realm.ActrType{Manufacturer: "acme", Name: "sensor"}
	to := realm.ActrType{Manufacturer: "acme", Name: "actuator"}

	require.NoError(t, s.PutRule(ctx, realm.ACLRule{RealmID: 1, FromType: from, ToType: to, Permission: realm.PermissionAllow}))

	ok, err := s.CanDiscover(ctx, 2, from, to)
	require.NoError(t, err)
	require.False(t, ok, "rule in realm 1 must not apply to realm 2")

	rules, err := s.RulesForRealm(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
}
