package validator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/ais/issuer"
	"github.com/actrix-rtc/actrixd/internal/aisstore"
	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/pkg/ecies"
	"github.com/actrix-rtc/actrixd/realm"
)

type fakeKS struct {
	calls      int
	secretB64  string
	expiresAt  time.Time
	inTolerance bool
}

func (f *fakeKS) GetSecretKey(ctx context.Context, keyID uint32) (string, time.Time, bool, error) {
	f.calls++
	return f.secretB64, f.expiresAt, f.inTolerance, nil
}

func TestValidate_SucceedsAndCachesInMemory(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	claims := issuer.IdentityClaims{
		ActrID:   realm.ActrID{RealmID: 1, Serial: 1, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}},
		ExprTime: clock.Now().Add(time.Hour).Unix(),
		PSK:      []byte("psk"),
	}
	plaintext, err := json.Marshal(claims)
	require.NoError(t, err)
	sealed, err := ecies.Seal(pair.Public, plaintext)
	require.NoError(t, err)

	ks := &fakeKS{secretB64: ecies.EncodePrivate(pair.Private), expiresAt: clock.Now().Add(time.Hour)}
	v, err := New(Config{KS: ks, Clock: clock})
	require.NoError(t, err)

	cred := issuer.Credential{EncryptedToken: sealed, TokenKeyID: 42}

	result, err := v.Validate(context.Background(), cred, 1)
	require.NoError(t, err)
	require.Equal(t, claims.ActrID, result.Claims.ActrID)
	require.Equal(t, 1, ks.calls)

	_, err = v.Validate(context.Background(), cred, 1)
	require.NoError(t, err)
	require.Equal(t, 1, ks.calls, "second validate for the same key id should hit the in-memory cache, not KS")
}

func TestValidate_RejectsCrossRealm(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	claims := issuer.IdentityClaims{
		ActrID:   realm.ActrID{RealmID: 1, Serial: 1, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}},
		ExprTime: clock.Now().Add(time.Hour).Unix(),
	}
	plaintext, _ := json.Marshal(claims)
	sealed, err := ecies.Seal(pair.Public, plaintext)
	require.NoError(t, err)

	ks := &fakeKS{secretB64: ecies.EncodePrivate(pair.Private), expiresAt: clock.Now().Add(time.Hour)}
	v, err := New(Config{KS: ks, Clock: clock})
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), issuer.Credential{EncryptedToken: sealed, TokenKeyID: 1}, 2)
	require.Error(t, err)
	require.Equal(t, errkind.CrossRealm, errkind.Of(err))
}

func TestValidate_RejectsExpiredClaim(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	claims := issuer.IdentityClaims{
		ActrID:   realm.ActrID{RealmID: 1, Serial: 1, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}},
		ExprTime: clock.Now().Add(-time.Minute).Unix(),
	}
	plaintext, _ := json.Marshal(claims)
	sealed, err := ecies.Seal(pair.Public, plaintext)
	require.NoError(t, err)

	ks := &fakeKS{secretB64: ecies.EncodePrivate(pair.Private), expiresAt: clock.Now().Add(time.Hour)}
	v, err := New(Config{KS: ks, Clock: clock})
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), issuer.Credential{EncryptedToken: sealed, TokenKeyID: 1}, 1)
	require.Error(t, err)
	require.Equal(t, errkind.Expired, errkind.Of(err))
}

func TestValidate_PersistentCacheAvoidsKSOnRestart(t *testing.T) {
	pair, err := ecies.GenerateKeyPair()
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	claims := issuer.IdentityClaims{
		ActrID:   realm.ActrID{RealmID: 1, Serial: 1, Type: realm.ActrType{Manufacturer: "acme", Name: "sensor"}},
		ExprTime: clock.Now().Add(time.Hour).Unix(),
	}
	plaintext, _ := json.Marshal(claims)
	sealed, err := ecies.Seal(pair.Public, plaintext)
	require.NoError(t, err)

	persistent, err := aisstore.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, persistent.Init(context.Background()))
	t.Cleanup(func() { persistent.Close() })

	ks := &fakeKS{secretB64: ecies.EncodePrivate(pair.Private), expiresAt: clock.Now().Add(time.Hour)}
	v1, err := New(Config{KS: ks, Clock: clock, Persistent: persistent})
	require.NoError(t, err)

	_, err = v1.Validate(context.Background(), issuer.Credential{EncryptedToken: sealed, TokenKeyID: 1}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, ks.calls)

	// A fresh validator (simulating a restart) with an empty in-memory
	// cache but the same persistent cache should not call KS again.
	ks2 := &fakeKS{}
	v2, err := New(Config{KS: ks2, Clock: clock, Persistent: persistent})
	require.NoError(t, err)

	_, err = v2.Validate(context.Background(), issuer.Credential{EncryptedToken: sealed, TokenKeyID: 1}, 1)
	require.NoError(t, err)
	require.Equal(t, 0, ks2.calls, "persistent cache hit should avoid a KS round trip")
}
