package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/realm"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Init(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRealmStore_CreateThenGet(t *testing.T) {
	db := newTestDB(t)
	s := NewRealmStore(db)
	ctx := context.Background()

	r := realm.Realm{RealmID: 1, Name: "acme", Status: realm.StatusActive}
	meta := Metadata{Enabled: true, UseServers: []string{"stun"}, Version: 1}

	_, err := s.Create(ctx, r, meta)
	require.NoError(t, err)

	rec, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "acme", rec.Realm.Name)
	require.Equal(t, []string{"stun"}, rec.Metadata.UseServers)
	require.EqualValues(t, 1, rec.Metadata.Version)
}

func TestRealmStore_UpdateThenGetReflectsNewName(t *testing.T) {
	db := newTestDB(t)
	s := NewRealmStore(db)
	ctx := context.Background()

	r := realm.Realm{RealmID: 2, Name: "old", Status: realm.StatusActive}
	_, err := s.Create(ctx, r, DefaultMetadata())
	require.NoError(t, err)

	updated := r
	updated.Name = "new"
	_, err = s.Update(ctx, updated, Metadata{Enabled: false, UseServers: []string{}, Version: 2})
	require.NoError(t, err)

	rec, ok, err := s.Get(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", rec.Realm.Name)
	require.False(t, rec.Metadata.Enabled)
	require.EqualValues(t, 2, rec.Metadata.Version)
}

func TestRealmStore_DeleteThenGetNotFound(t *testing.T) {
	db := newTestDB(t)
	s := NewRealmStore(db)
	ctx := context.Background()

	r := realm.Realm{RealmID: 3, Name: "gone", Status: realm.StatusActive}
	_, err := s.Create(ctx, r, DefaultMetadata())
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, 3))

	_, ok, err := s.Get(ctx, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRealmStore_CorruptSidecarDegradesToDefaults(t *testing.T) {
	db := newTestDB(t)
	s := NewRealmStore(db)
	ctx := context.Background()

	r := realm.Realm{RealmID: 4, Name: "corrupt", Status: realm.StatusActive}
	_, err := s.Create(ctx, r, DefaultMetadata())
	require.NoError(t, err)

	_, err = db.conn.ExecContext(ctx,
		`UPDATE realm_sidecar SET value = 'not-a-bool' WHERE realm_id = ? AND key = ?`, 4, SidecarEnabled)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx,
		`UPDATE realm_sidecar SET value = 'not-json' WHERE realm_id = ? AND key = ?`, 4, SidecarUseServers)
	require.NoError(t, err)

	rec, ok, err := s.Get(ctx, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Metadata.Enabled)
	require.Equal(t, []string{}, rec.Metadata.UseServers)
}

func TestRealmStore_ListReturnsAllRealms(t *testing.T) {
	db := newTestDB(t)
	s := NewRealmStore(db)
	ctx := context.Background()

	_, err := s.Create(ctx, realm.Realm{RealmID: 10, Name: "a", Status: realm.StatusActive}, DefaultMetadata())
	require.NoError(t, err)
	_, err = s.Create(ctx, realm.Realm{RealmID: 11, Name: "b", Status: realm.StatusActive}, DefaultMetadata())
	require.NoError(t, err)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}
