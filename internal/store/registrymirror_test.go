package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/signaling/loadbalancer"
	"github.com/actrix-rtc/actrixd/signaling/registry"
)

func TestRegistryMirror_PutThenGetRoundTrips(t *testing.T) {
	db := newTestDB(t)
	m := NewRegistryMirror(db)
	ctx := context.Background()

	good := loadbalancer.HealthGood
	id := realm.ActrID{RealmID: 1, Serial: 7, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}}
	e := registry.Entry{
		ActrID:            id,
		ServiceName:       "telemetry",
		AvailabilityState: &good,
	}

	require.NoError(t, m.Put(ctx, e, time.Hour))

	got, ok, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "telemetry", got.ServiceName)
	require.NotNil(t, got.AvailabilityState)
	require.Equal(t, loadbalancer.HealthGood, *got.AvailabilityState)
}

func TestRegistryMirror_ExpiredEntryNotReturned(t *testing.T) {
	db := newTestDB(t)
	m := NewRegistryMirror(db)
	ctx := context.Background()

	id := realm.ActrID{RealmID: 1, Serial: 8, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}}
	require.NoError(t, m.Put(ctx, registry.Entry{ActrID: id}, -time.Second))

	_, ok, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistryMirror_DeleteRemovesEntry(t *testing.T) {
	db := newTestDB(t)
	m := NewRegistryMirror(db)
	ctx := context.Background()

	id := realm.ActrID{RealmID: 1, Serial: 9, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}}
	require.NoError(t, m.Put(ctx, registry.Entry{ActrID: id}, time.Hour))
	require.NoError(t, m.Delete(ctx, id))

	_, ok, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}
