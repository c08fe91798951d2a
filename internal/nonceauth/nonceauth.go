// Package nonceauth implements the HMAC + nonce + timestamp request
// authentication scheme used by every Key Server and Supervisor RPC: a
// credential (timestamp, nonce, signature) is checked against a
// canonical per-RPC payload string, with clock skew rejected first and
// the signature checked before the nonce is recorded (so a bad signature
// never consumes a nonce), and the nonce store providing the one
// synchronous atomic barrier in the authenticated RPC path.
package nonceauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// Credential is the wire shape of a nonce-auth credential, identical for
// KS and Supervisor RPCs.
type Credential struct {
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // base64(HMAC-SHA256(secret, payload || 0 || nonce || 0 || timestamp))
}

// Store records seen nonces for the TTL window so a replayed credential
// is rejected. Implementations must make Observe atomic: the first
// caller to observe a given nonce within its TTL window succeeds, every
// subsequent caller fails, even under concurrent calls.
type Store interface {
	// Observe records nonce as seen, expiring at expiresAt. It returns
	// true if the nonce had not previously been observed (success) and
	// false if it is a replay.
	Observe(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// Verifier checks credentials against a shared secret and canonical
// payload strings.
type Verifier struct {
	SharedSecret   []byte
	MaxClockSkew   time.Duration
	NonceTTL       time.Duration
	Store          Store
	Clock          clockwork.Clock
}

// DefaultMaxClockSkew matches the spec's default tolerance for
// timestamp drift between caller and server.
const DefaultMaxClockSkew = 300 * time.Second

// NewVerifier builds a Verifier, defaulting MaxClockSkew, NonceTTL and
// Clock when left zero.
func NewVerifier(secret []byte, store Store) *Verifier {
	return &Verifier{
		SharedSecret: secret,
		MaxClockSkew: DefaultMaxClockSkew,
		NonceTTL:     DefaultMaxClockSkew + 60*time.Second,
		Store:        store,
		Clock:        clockwork.NewRealClock(),
	}
}

// Sign produces a fresh credential for payload, for use by RPC clients
// (KS client, Supervisor agent/controller clients).
func (v *Verifier) Sign(payload string) Credential {
	now := v.clock().Now().Unix()
	nonce := uuid.NewString()
	sig := v.sign(payload, nonce, now)
	return Credential{Timestamp: now, Nonce: nonce, Signature: sig}
}

func (v *Verifier) sign(payload, nonce string, timestamp int64) string {
	mac := hmac.New(sha256.New, v.SharedSecret)
	mac.Write([]byte(payload))
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	// Bind the timestamp into the MAC so an attacker can't replay a
	// signature against a different timestamp within the skew window.
	var tsBuf [8]byte
	putInt64(tsBuf[:], timestamp)
	mac.Write(tsBuf[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func (v *Verifier) clock() clockwork.Clock {
	if v.Clock == nil {
		return clockwork.NewRealClock()
	}
	return v.Clock
}

// Verify checks cred against payload. It enforces, in order: clock skew
// (without consuming the nonce), the HMAC signature (also without
// consuming the nonce), then replay (via the nonce store, which records
// the nonce atomically before returning success). Each failure maps to a distinct errkind so
// callers can return the right RPC status.
func (v *Verifier) Verify(ctx context.Context, payload string, cred Credential) error {
	now := v.clock().Now()
	delta := now.Unix() - cred.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > v.MaxClockSkew {
		return errkind.New(errkind.ClockSkew, "credential timestamp outside allowed skew")
	}

	expected := v.sign(payload, cred.Nonce, cred.Timestamp)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(cred.Signature)) != 1 {
		return errkind.New(errkind.Authentication, "invalid credential signature")
	}

	ttl := v.NonceTTL
	if ttl <= 0 {
		ttl = v.MaxClockSkew + 60*time.Second
	}
	fresh, err := v.Store.Observe(ctx, cred.Nonce, now.Add(ttl))
	if err != nil {
		return errkind.Wrap(errkind.Storage, err)
	}
	if !fresh {
		return errkind.New(errkind.Replay, "nonce already observed")
	}
	return nil
}
