// Package jointoken implements the bootstrap gap the steady-state
// nonce-auth protocol leaves implicit: how a brand-new node first learns
// the process-wide shared secret. It is grounded directly on
// lib/auth/join.go's RegisterUsingToken: a pre-shared, TTL-bounded,
// single-use token is redeemed once through controller.Bootstrap, which
// hands back the long-lived shared secret and spends the token.
// RegisterNode itself is authenticated by nonce-auth and checks no token.
package jointoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// TokenExpiredOrNotFound is returned (wrapped) when a token is unknown
// or past its TTL, mirroring join.go's TokenExpiredOrNotFound sentinel
// message so a caller can distinguish "bad token" from "retry available".
const TokenExpiredOrNotFound = "token expired or not found"

type entry struct {
	expiresAt time.Time
}

// Store issues and redeems join tokens. Redemption is single-use: the
// first successful Redeem for a token consumes it, mirroring a
// provisioning token's one-shot semantics.
type Store struct {
	clock clockwork.Clock

	mu     sync.Mutex
	tokens map[string]entry
}

// New constructs an empty Store.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{clock: clock, tokens: make(map[string]entry)}
}

// Issue mints a fresh random token valid for ttl.
func (s *Store) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	var raw [32]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", errkind.Wrap(errkind.Crypto, trace.Wrap(err, "generating join token"))
	}
	token := hex.EncodeToString(raw[:])

	s.mu.Lock()
	s.tokens[token] = entry{expiresAt: s.clock.Now().Add(ttl)}
	s.mu.Unlock()

	return token, nil
}

// Redeem consumes token if it exists and has not expired. A redeemed
// token can never be redeemed again, matching join.go's "can't register
// new nodes after TTL expires" plus single-use provisioning semantics.
func (s *Store) Redeem(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[token]
	if !ok {
		return errkind.New(errkind.Authentication, TokenExpiredOrNotFound)
	}
	delete(s.tokens, token)

	if s.clock.Now().After(e.expiresAt) {
		return errkind.New(errkind.Authentication, TokenExpiredOrNotFound)
	}
	return nil
}
