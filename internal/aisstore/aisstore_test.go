package aisstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *SecretKeyCache {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSecretKeyCache_StoreThenLoadRoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, 7, "secret-material"))

	got, ok, err := c.Load(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret-material", got)
}

func TestSecretKeyCache_LoadMissingKeyNotFound(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Load(context.Background(), 9999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSecretKeyCache_StoreOverwritesExisting(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, 1, "first"))
	require.NoError(t, c.Store(ctx, 1, "second"))

	got, ok, err := c.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", got)
}
