// Package backend defines the storage abstraction KS's three supported
// backends (SQLite, Redis, Postgres) implement. It is a closed,
// polymorphic interface rather than a generic trait object hierarchy:
// callers select a concrete implementation at construction time and the
// rest of KS only ever talks to the Backend interface.
package backend

import (
	"context"
	"time"
)

// Record is the storage-layer view of one key: base64 public key and
// (possibly KEK-sealed) base64 secret key ciphertext, plus lifecycle
// timestamps. Backends never decrypt; that is KeyEncryptor's job, called
// by the ks package above the storage layer.
type Record struct {
	KeyID                  uint32
	PublicKeyB64           string
	SecretKeyCiphertextB64 string
	CreatedAt              time.Time
	ExpiresAt              time.Time
}

// Backend is the narrow interface every KS storage variant implements.
type Backend interface {
	// Init performs one-time setup (schema creation, connection checks).
	Init(ctx context.Context) error

	// GenerateAndStore persists a freshly generated key. The backend
	// assigns KeyID (strictly increasing, never reused) and stamps
	// CreatedAt; the caller fills in the public/secret material and TTL.
	GenerateAndStore(ctx context.Context, publicKeyB64, secretCiphertextB64 string, ttl time.Duration, now time.Time) (Record, error)

	// GetPublic returns the public key for keyID, or ok=false if unknown.
	GetPublic(ctx context.Context, keyID uint32) (publicKeyB64 string, ok bool, err error)

	// GetSecret returns the (still possibly KEK-sealed) secret
	// ciphertext for keyID, or ok=false if unknown.
	GetSecret(ctx context.Context, keyID uint32) (secretCiphertextB64 string, ok bool, err error)

	// GetRecord returns the full record for keyID, or ok=false if unknown.
	GetRecord(ctx context.Context, keyID uint32) (Record, bool, error)

	// Count returns the total number of stored keys, expired or not.
	Count(ctx context.Context) (uint32, error)

	// CleanupExpired deletes rows where 0 < expires_at < now and
	// returns the number removed. Backends whose native TTL already
	// evicts expired rows (Redis) may return 0 unconditionally.
	CleanupExpired(ctx context.Context, now time.Time) (uint32, error)

	// Close releases any held resources (connection pools, file handles).
	Close() error
}
