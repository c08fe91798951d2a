package nonceauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// memStore is a minimal in-memory nonceauth.Store for tests.
type memStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{seen: make(map[string]time.Time)}
}

func (s *memStore) Observe(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[nonce]; ok {
		return false, nil
	}
	s.seen[nonce] = expiresAt
	return true, nil
}

func newTestVerifier(clock clockwork.Clock) (*Verifier, *memStore) {
	store := newMemStore()
	v := NewVerifier([]byte("test-shared-secret"), store)
	v.Clock = clock
	return v, store
}

func TestVerifyAcceptsFreshSignedCredential(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v, _ := newTestVerifier(clock)

	cred := v.Sign("generate_key")
	require.NoError(t, v.Verify(context.Background(), "generate_key", cred))
}

func TestVerifyRejectsReplay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v, _ := newTestVerifier(clock)

	cred := v.Sign("generate_key")
	require.NoError(t, v.Verify(context.Background(), "generate_key", cred))

	err := v.Verify(context.Background(), "generate_key", cred)
	require.Error(t, err)
	require.Equal(t, errkind.Replay, errkind.Of(err))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v, _ := newTestVerifier(clock)

	cred := v.Sign("generate_key")
	clock.Advance(v.MaxClockSkew + time.Minute)

	err := v.Verify(context.Background(), "generate_key", cred)
	require.Error(t, err)
	require.Equal(t, errkind.ClockSkew, errkind.Of(err))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v, _ := newTestVerifier(clock)

	cred := v.Sign("generate_key")
	cred.Signature = "not-the-real-signature=="

	err := v.Verify(context.Background(), "generate_key", cred)
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))
}

func TestVerifyRejectsWrongPayload(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v, _ := newTestVerifier(clock)

	cred := v.Sign("generate_key")

	err := v.Verify(context.Background(), "get_secret_key:1", cred)
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))
}

func TestVerifyDoesNotConsumeNonceOnBadSignature(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v, store := newTestVerifier(clock)

	cred := v.Sign("generate_key")
	cred.Signature = "garbage"

	err := v.Verify(context.Background(), "generate_key", cred)
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))

	store.mu.Lock()
	_, consumed := store.seen[cred.Nonce]
	store.mu.Unlock()
	require.False(t, consumed, "a bad signature must not consume the nonce")
}
