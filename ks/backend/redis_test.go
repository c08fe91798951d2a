package backend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b := NewRedisBackend(client)
	require.NoError(t, b.Init(context.Background()))
	return b
}

func TestRedisBackend_GenerateAndStoreThenGetRecordRoundTrips(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()
	now := time.Now()

	rec, err := b.GenerateAndStore(ctx, "pub", "secret-ciphertext", time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rec.KeyID)

	got, ok, err := b.GetRecord(ctx, rec.KeyID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pub", got.PublicKeyB64)
	require.Equal(t, "secret-ciphertext", got.SecretKeyCiphertextB64)
}

func TestRedisBackend_KeyIDsIncrementAcrossCalls(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()
	now := time.Now()

	first, err := b.GenerateAndStore(ctx, "a", "a-secret", 0, now)
	require.NoError(t, err)
	second, err := b.GenerateAndStore(ctx, "b", "b-secret", 0, now)
	require.NoError(t, err)

	require.Equal(t, first.KeyID+1, second.KeyID)
}

func TestRedisBackend_GetRecordMissingKeyNotFound(t *testing.T) {
	b := newTestRedisBackend(t)
	_, ok, err := b.GetRecord(context.Background(), 9999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBackend_CountReflectsStoredKeys(t *testing.T) {
	b := newTestRedisBackend(t)
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

func TestRedisBackend_TTLExpiryIsNativeNotSwept(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()
	now := time.Now()

	rec, err := b.GenerateAndStore(ctx, "pub", "secret", time.Minute, now)
	require.NoError(t, err)

	evicted, err := b.CleanupExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, evicted, "redis backend relies on native TTL, CleanupExpired is a documented no-op")

	_, ok, err := b.GetRecord(ctx, rec.KeyID)
	require.NoError(t, err)
	require.True(t, ok, "miniredis does not advance real time, so the key has not actually expired yet")
}
