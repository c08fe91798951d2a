// Package validator implements the credential validator co-located with
// signaling: given an issued ECIES credential and an expected realm, it
// decrypts and checks the embedded identity claims, caching decrypted
// keys locally so a hot validation path need not call KS on every use.
package validator

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/ais/issuer"
	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/pkg/ecies"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "ais/validator")

// KSClient is the narrow surface validation needs from KS.
type KSClient interface {
	GetSecretKey(ctx context.Context, keyID uint32) (secretKeyB64 string, expiresAt time.Time, inTolerancePeriod bool, err error)
}

// PersistentCache optionally backs the validator's in-memory secret key
// cache with disk storage (internal/aisstore.SecretKeyCache), so a
// restarted validator doesn't force every active token key to
// round-trip through KS again before the first credential validates.
type PersistentCache interface {
	Load(ctx context.Context, keyID uint32) (secretKeyB64 string, ok bool, err error)
	Store(ctx context.Context, keyID uint32, secretKeyB64 string) error
}

// Config configures a Validator.
type Config struct {
	KS    KSClient
	Clock clockwork.Clock
	// Persistent, when set, is consulted before calling KS on a cache
	// miss and updated whenever a fresh key is fetched from KS.
	Persistent PersistentCache
}

func (c *Config) checkAndSetDefaults() error {
	if c.KS == nil {
		return errkind.New(errkind.Configuration, "ais validator: KS client is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type cachedSecret struct {
	privateKey *ecdh.PrivateKey
	expiresAt  time.Time
}

// Validator decrypts and checks identity credentials against a cache of
// KS-issued private keys keyed by token_key_id.
type Validator struct {
	cfg Config

	mu     sync.RWMutex
	byKeyID map[uint32]cachedSecret
}

// New constructs a Validator.
func New(cfg Config) (*Validator, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Validator{cfg: cfg, byKeyID: make(map[uint32]cachedSecret)}, nil
}

// Result is the outcome of a successful validation.
type Result struct {
	Claims            issuer.IdentityClaims
	InTolerancePeriod bool
}

// Validate decrypts credential and checks its claims against
// expectedRealm. It returns an errkind.CrossRealm error for a realm
// mismatch and errkind.Expired for an expired claim.
func (v *Validator) Validate(ctx context.Context, credential issuer.Credential, expectedRealm uint32) (Result, error) {
	priv, inTolerance, err := v.secretFor(ctx, credential.TokenKeyID)
	if err != nil {
		return Result{}, err
	}

	plaintext, err := ecies.Open(priv, credential.EncryptedToken)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "decrypting identity credential"))
	}

	var claims issuer.IdentityClaims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return Result{}, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "parsing identity claims"))
	}

	now := v.cfg.Clock.Now().Unix()
	if claims.ExprTime < now {
		return Result{}, errkind.New(errkind.Expired, "credential for actor %s expired at %d", claims.ActrID, claims.ExprTime)
	}
	if claims.ActrID.RealmID != expectedRealm {
		return Result{}, errkind.New(errkind.CrossRealm, "credential realm %d does not match expected realm %d", claims.ActrID.RealmID, expectedRealm)
	}

	return Result{Claims: claims, InTolerancePeriod: inTolerance}, nil
}

func (v *Validator) secretFor(ctx context.Context, keyID uint32) (*ecdh.PrivateKey, bool, error) {
	v.mu.RLock()
	cached, ok := v.byKeyID[keyID]
	v.mu.RUnlock()
	if ok {
		inTolerance := !cached.expiresAt.IsZero() && !v.cfg.Clock.Now().Before(cached.expiresAt)
		return cached.privateKey, inTolerance, nil
	}

	if v.cfg.Persistent != nil {
		if secretB64, ok, err := v.cfg.Persistent.Load(ctx, keyID); err == nil && ok {
			if priv, err := ecies.DecodePrivate(secretB64); err == nil {
				v.mu.Lock()
				v.byKeyID[keyID] = cachedSecret{privateKey: priv}
				v.mu.Unlock()
				return priv, false, nil
			}
		}
	}

	secretB64, expiresAt, inTolerance, err := v.cfg.KS.GetSecretKey(ctx, keyID)
	if err != nil {
		return nil, false, err
	}
	priv, err := ecies.DecodePrivate(secretB64)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "decoding ks secret key"))
	}

	if v.cfg.Persistent != nil {
		if err := v.cfg.Persistent.Store(ctx, keyID, secretB64); err != nil {
			log.WithError(err).Warn("ais validator: failed to persist decrypted secret key to disk cache")
		}
	}

	v.mu.Lock()
	v.byKeyID[keyID] = cachedSecret{privateKey: priv, expiresAt: expiresAt}
	v.mu.Unlock()

	return priv, inTolerance, nil
}
