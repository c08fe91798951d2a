package issuer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/pkg/ecies"
	"github.com/actrix-rtc/actrixd/realm"
)

type fakeKS struct {
	calls int
	pub   string
}

func (f *fakeKS) GenerateKey(ctx context.Context) (uint32, string, time.Time, error) {
	f.calls++
	return uint32(f.calls), f.pub, time.Time{}, nil
}

type memCache struct {
	key CachedKey
	ok  bool
}

func (c *memCache) Load(ctx context.Context) (CachedKey, bool, error) {
	return c.key, c.ok, nil
}

func (c *memCache) Store(ctx context.Context, key CachedKey) error {
	c.key, c.ok = key, true
	return nil
}

func newTestIssuer(t *testing.T, clock clockwork.Clock, ks *fakeKS, cache *memCache) *Issuer {
	t.Helper()
	iss, err := New(context.Background(), Config{
		KS:                   ks,
		Cache:                cache,
		Clock:                clock,
		NodeID:               1,
		TokenTTL:             time.Hour,
		RefreshCheckInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(iss.Stop)
	return iss
}

func TestNewFetchesKeyWhenCacheEmpty(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ks := &fakeKS{pub: ecies.EncodePublic(pair.Public)}
	cache := &memCache{}

	iss := newTestIssuer(t, clock, ks, cache)
	require.Equal(t, 1, ks.calls)
	require.True(t, cache.ok, "fetched key should be persisted to the cache")
	require.Equal(t, uint32(1), iss.currentKey().KeyID)
}

func TestNewReusesCachedKeyWithinTolerance(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ks := &fakeKS{pub: ecies.EncodePublic(pair.Public)}
	cache := &memCache{ok: true, key: CachedKey{
		KeyID:        99,
		PublicKeyB64: ecies.EncodePublic(pair.Public),
		ExpiresAt:    clock.Now().Add(time.Hour),
		FetchedAt:    clock.Now(),
	}}

	newTestIssuer(t, clock, ks, cache)
	require.Equal(t, 0, ks.calls, "a cached key within tolerance should not trigger a KS fetch")
}

func TestIssueAllocatesDistinctSerialsPerRealm(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ks := &fakeKS{pub: ecies.EncodePublic(pair.Public)}
	iss := newTestIssuer(t, clock, ks, &memCache{})

	actrType := realm.ActrType{Manufacturer: "acme", Name: "sensor"}

	first, err := iss.Issue(context.Background(), 1, actrType)
	require.NoError(t, err)
	second, err := iss.Issue(context.Background(), 1, actrType)
	require.NoError(t, err)
	third, err := iss.Issue(context.Background(), 2, actrType)
	require.NoError(t, err)

	require.NotEqual(t, first.ActrID.Serial, second.ActrID.Serial, "same realm should get distinct serials")
	require.Equal(t, uint32(1), first.ActrID.RealmID)
	require.Equal(t, uint32(2), third.ActrID.RealmID)
	require.NotEmpty(t, first.Credential.EncryptedToken)
	require.Len(t, first.PSK, 32)
	require.Equal(t, int64(30), first.SignalingHeartbeatIntervalS)
}

func TestIssueCredentialDecryptsToMatchingClaims(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ks := &fakeKS{pub: ecies.EncodePublic(pair.Public)}
	iss := newTestIssuer(t, clock, ks, &memCache{})

	result, err := iss.Issue(context.Background(), 7, realm.ActrType{Manufacturer: "acme", Name: "gateway"})
	require.NoError(t, err)

	plaintext, err := ecies.Open(pair.Private, result.Credential.EncryptedToken)
	require.NoError(t, err)

	var claims IdentityClaims
	require.NoError(t, json.Unmarshal(plaintext, &claims))
	require.Equal(t, result.ActrID, claims.ActrID)
	require.Equal(t, result.PSK, claims.PSK)
}

func TestRotateReplacesCurrentKey(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ks := &fakeKS{pub: ecies.EncodePublic(pair.Public)}
	iss := newTestIssuer(t, clock, ks, &memCache{})
	require.Equal(t, 1, ks.calls)

	keyID, err := iss.Rotate(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(2), keyID)
	require.Equal(t, 2, ks.calls)
	require.Equal(t, uint32(2), iss.currentKey().KeyID)
}

func TestBackgroundRefreshRotatesWithinRefreshWindow(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	ks := &fakeKS{pub: ecies.EncodePublic(pair.Public)}
	cache := &memCache{ok: true, key: CachedKey{
		KeyID:        1,
		PublicKeyB64: ecies.EncodePublic(pair.Public),
		ExpiresAt:    clock.Now().Add(5 * time.Minute),
		FetchedAt:    clock.Now(),
	}}

	iss, err := New(context.Background(), Config{
		KS:                   ks,
		Cache:                cache,
		Clock:                clock,
		NodeID:               1,
		RefreshCheckInterval: time.Minute,
		RefreshWindow:        10 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(iss.Stop)
	require.Equal(t, 0, ks.calls, "construction only checks the tolerance window, not the refresh window")

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return ks.calls == 1
	}, time.Second, time.Millisecond, "background loop should have rotated the key once the refresh window was crossed")
}
