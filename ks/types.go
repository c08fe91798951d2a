// Package ks implements the Key Server: generation and custody of ECIES
// key pairs, at-rest protection via an optional KEK, and the gRPC
// surface (GenerateKey, GetSecretKey, HealthCheck) guarded by nonce-auth.
package ks

import "time"

// KeyRecord is the full at-rest shape of one generated key pair.
// SecretKeyCiphertextB64 holds either a plaintext base64 secret (KEK
// disabled) or an AES-256-GCM-sealed one (KEK enabled).
type KeyRecord struct {
	KeyID                  uint32
	PublicKeyB64           string
	SecretKeyCiphertextB64 string
	CreatedAt              time.Time
	ExpiresAt              time.Time // zero value means "never expires"
}

// Usable reports whether the key is still inside its normal validity
// window (not yet in its tolerance period).
func (r KeyRecord) Usable(now time.Time) bool {
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// InTolerance reports whether now falls inside [expires_at, expires_at+tolerance).
func (r KeyRecord) InTolerance(now time.Time, tolerance time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(r.ExpiresAt) && now.Before(r.ExpiresAt.Add(tolerance))
}

// PastTolerance reports whether now is at or beyond expires_at+tolerance,
// meaning GetSecretKey must refuse to return this key.
func (r KeyRecord) PastTolerance(now time.Time, tolerance time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(r.ExpiresAt.Add(tolerance))
}
