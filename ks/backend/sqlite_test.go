package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend_GenerateAndStoreThenGetRecordRoundTrips(t *testing.T) {
	b := newTestSQLiteBackend(t)
	ctx := context.Background()
	now := time.Now()

	rec, err := b.GenerateAndStore(ctx, "pub", "secret-ciphertext", time.Hour, now)
	require.NoError(t, err)
	require.NotZero(t, rec.KeyID)

	got, ok, err := b.GetRecord(ctx, rec.KeyID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pub", got.PublicKeyB64)
	require.Equal(t, "secret-ciphertext", got.SecretKeyCiphertextB64)
	require.False(t, got.ExpiresAt.IsZero())
}

func TestSQLiteBackend_NoTTLLeavesExpiresAtZero(t *testing.T) {
	b := newTestSQLiteBackend(t)
	ctx := context.Background()

	rec, err := b.GenerateAndStore(ctx, "pub", "secret", 0, time.Now())
	require.NoError(t, err)
	require.True(t, rec.ExpiresAt.IsZero())
}

func TestSQLiteBackend_CleanupExpiredRemovesOnlyPastKeys(t *testing.T) {
	b := newTestSQLiteBackend(t)
	ctx := context.Background()
	now := time.Now()

	expired, err := b.GenerateAndStore(ctx, "expired", "expired-secret", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	live, err := b.GenerateAndStore(ctx, "live", "live-secret", time.Hour, now)
	require.NoError(t, err)

	n, err := b.CleanupExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	_, ok, err := b.GetRecord(ctx, expired.KeyID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = b.GetRecord(ctx, live.KeyID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLiteBackend_CountReflectsStoredKeys(t *testing.T) {
	b := newTestSQLiteBackend(t)
	ctx := context.Background()
	now := time.Now()

	_, err := b.GenerateAndStore(ctx, "a", "a-secret", 0, now)
	require.NoError(t, err)
	_, err = b.GenerateAndStore(ctx, "b", "b-secret", 0, now)
	require.NoError(t, err)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)
}

func TestSQLiteBackend_GetRecordMissingKeyNotFound(t *testing.T) {
	b := newTestSQLiteBackend(t)
	_, ok, err := b.GetRecord(context.Background(), 9999)
	require.NoError(t, err)
	require.False(t, ok)
}
