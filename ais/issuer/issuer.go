// Package issuer implements the AIS registration path: converting a
// RegisterRequest into a RegisterResponse carrying a fresh ActrId, an
// ECIES-encrypted identity credential, and a PSK, backed by a cached KS
// key that is loaded at boot and kept fresh by a background refresh loop.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/ais/snowflake"
	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/metrics"
	"github.com/actrix-rtc/actrixd/pkg/ecies"
	"github.com/actrix-rtc/actrixd/realm"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "ais/issuer")

var (
	credentialsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "actrixd_ais_credentials_issued_total",
		Help: "Number of identity credentials issued at registration.",
	})

	prometheusCollectors = []prometheus.Collector{credentialsIssuedTotal}
)

// KSClient is the narrow surface AIS needs from the Key Server, satisfied
// either by an in-process ks.Service or an RPC client stub.
type KSClient interface {
	GenerateKey(ctx context.Context) (keyID uint32, publicKeyB64 string, expiresAt time.Time, err error)
}

// CachedKey is the key record AIS keeps locally, mirroring KS's view.
type CachedKey struct {
	KeyID      uint32
	PublicKeyB64 string
	ExpiresAt  time.Time
	FetchedAt  time.Time
}

// KeyCache persists the most recently fetched key so AIS can survive a
// restart without immediately round-tripping to KS.
type KeyCache interface {
	Load(ctx context.Context) (CachedKey, bool, error)
	Store(ctx context.Context, key CachedKey) error
}

// Config configures an Issuer.
type Config struct {
	KS    KSClient
	Cache KeyCache
	Clock clockwork.Clock

	// NodeID seeds the per-realm Snowflake generators' node-id field.
	NodeID uint64

	// TokenTTL is how long an issued credential remains valid.
	TokenTTL time.Duration
	// Tolerance is how far past expiry a cached key is still reused when
	// the issuer loads its key cache, instead of fetching a fresh key.
	Tolerance time.Duration

	// RefreshCheckInterval is how often the background loop evaluates
	// the refresh triggers.
	RefreshCheckInterval time.Duration
	// RefreshWindow triggers a soft refresh once expires_at-now falls
	// under this duration.
	RefreshWindow time.Duration
	// EnablePeriodicRotation turns on the rotation trigger below.
	EnablePeriodicRotation bool
	// RotationInterval triggers rotation once now-fetched_at reaches it.
	RotationInterval time.Duration

	// HeartbeatIntervalSecs is echoed back in RegisterOk so actors know
	// how often to heartbeat the signaling server.
	HeartbeatIntervalSecs int64
}

func (c *Config) checkAndSetDefaults() error {
	if c.KS == nil {
		return errkind.New(errkind.Configuration, "ais issuer: KS client is required")
	}
	if c.Cache == nil {
		return errkind.New(errkind.Configuration, "ais issuer: key cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 24 * time.Hour
	}
	if c.RefreshCheckInterval <= 0 {
		c.RefreshCheckInterval = 10 * time.Minute
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = 10 * time.Minute
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = 24 * time.Hour
	}
	if c.HeartbeatIntervalSecs <= 0 {
		c.HeartbeatIntervalSecs = 30
	}
	return nil
}

// IdentityClaims is the payload ECIES-sealed into every issued credential.
type IdentityClaims struct {
	ActrID   realm.ActrID `json:"actr_id"`
	ExprTime int64        `json:"expr_time"`
	PSK      []byte       `json:"psk"`
}

// Credential is the wire shape returned to a newly registered actor.
type Credential struct {
	EncryptedToken []byte `json:"encrypted_token"`
	TokenKeyID     uint32 `json:"token_key_id"`
}

// RegisterOk is the success shape of a RegisterResponse.
type RegisterOk struct {
	ActrID                      realm.ActrID
	Credential                  Credential
	PSK                         []byte
	CredentialExpiresAt         time.Time
	SignalingHeartbeatIntervalS int64
}

// Issuer owns the cached KS key and the per-realm serial generators
// used to mint ActrIds.
type Issuer struct {
	cfg Config

	mu         sync.Mutex
	key        CachedKey
	generators map[uint32]*snowflake.Generator

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Issuer, loading the cached key (or fetching a fresh
// one from KS if the cache is empty or past tolerance), then starting
// the background refresh loop.
func New(ctx context.Context, cfg Config) (*Issuer, error) {
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	iss := &Issuer{
		cfg:        cfg,
		generators: make(map[uint32]*snowflake.Generator),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if err := iss.loadOrFetchKey(ctx); err != nil {
		return nil, trace.Wrap(err, "priming ais key cache")
	}

	go iss.refreshLoop()
	return iss, nil
}

func (iss *Issuer) loadOrFetchKey(ctx context.Context) error {
	cached, ok, err := iss.cfg.Cache.Load(ctx)
	if err != nil {
		return trace.Wrap(err, "loading cached ais key")
	}
	now := iss.cfg.Clock.Now()
	if ok && now.Before(cached.ExpiresAt.Add(iss.cfg.Tolerance)) {
		iss.mu.Lock()
		iss.key = cached
		iss.mu.Unlock()
		return nil
	}
	return iss.rotate(ctx)
}

// Rotate fetches a fresh key from KS and atomically replaces the cache,
// also exposed as the administrative manual-rotation operation.
func (iss *Issuer) Rotate(ctx context.Context) (uint32, error) {
	if err := iss.rotate(ctx); err != nil {
		return 0, err
	}
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.key.KeyID, nil
}

func (iss *Issuer) rotate(ctx context.Context) error {
	keyID, publicKeyB64, expiresAt, err := iss.cfg.KS.GenerateKey(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Crypto, trace.Wrap(err, "fetching key from ks"))
	}
	fresh := CachedKey{
		KeyID:        keyID,
		PublicKeyB64: publicKeyB64,
		ExpiresAt:    expiresAt,
		FetchedAt:    iss.cfg.Clock.Now(),
	}
	if err := iss.cfg.Cache.Store(ctx, fresh); err != nil {
		return trace.Wrap(err, "persisting rotated ais key")
	}
	iss.mu.Lock()
	iss.key = fresh
	iss.mu.Unlock()
	return nil
}

func (iss *Issuer) currentKey() CachedKey {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.key
}

// refreshLoop evaluates the soft-refresh and periodic-rotation triggers
// every RefreshCheckInterval; a background refresh failure is logged
// and retried on the next tick rather than propagated anywhere.
func (iss *Issuer) refreshLoop() {
	defer close(iss.doneCh)
	ticker := iss.cfg.Clock.NewTicker(iss.cfg.RefreshCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-iss.stopCh:
			return
		case <-ticker.Chan():
			iss.maybeRefresh()
		}
	}
}

func (iss *Issuer) maybeRefresh() {
	now := iss.cfg.Clock.Now()
	key := iss.currentKey()

	softRefresh := key.ExpiresAt.Sub(now) < iss.cfg.RefreshWindow
	periodicRotation := iss.cfg.EnablePeriodicRotation && now.Sub(key.FetchedAt) >= iss.cfg.RotationInterval

	if !softRefresh && !periodicRotation {
		return
	}
	if err := iss.rotate(context.Background()); err != nil {
		log.WithError(err).Warn("ais: background key refresh failed, will retry next interval")
	}
}

// Stop halts the background refresh loop.
func (iss *Issuer) Stop() {
	iss.stopOnce.Do(func() { close(iss.stopCh) })
	<-iss.doneCh
}

// generatorFor returns (creating if absent) the Snowflake generator for realmID.
func (iss *Issuer) generatorFor(realmID uint32) (*snowflake.Generator, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if g, ok := iss.generators[realmID]; ok {
		return g, nil
	}
	g, err := snowflake.New(iss.cfg.NodeID, iss.cfg.Clock)
	if err != nil {
		return nil, err
	}
	iss.generators[realmID] = g
	return g, nil
}

// Issue implements the AIS registration issue path: allocate a serial,
// compose the claims, ECIES-seal them under the cached public key, and
// generate a fresh PSK.
func (iss *Issuer) Issue(ctx context.Context, realmID uint32, actrType realm.ActrType) (RegisterOk, error) {
	key := iss.currentKey()
	if key.PublicKeyB64 == "" {
		if err := iss.loadOrFetchKey(ctx); err != nil {
			return RegisterOk{}, err
		}
		key = iss.currentKey()
	}

	gen, err := iss.generatorFor(realmID)
	if err != nil {
		return RegisterOk{}, err
	}
	actrID := realm.ActrID{RealmID: realmID, Serial: gen.Next(), Type: actrType}

	now := iss.cfg.Clock.Now()
	exprTime := now.Add(iss.cfg.TokenTTL)

	psk := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, psk); err != nil {
		return RegisterOk{}, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "generating psk"))
	}

	claims := IdentityClaims{ActrID: actrID, ExprTime: exprTime.Unix(), PSK: psk}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return RegisterOk{}, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "serializing identity claims"))
	}

	pub, err := ecies.DecodePublic(key.PublicKeyB64)
	if err != nil {
		return RegisterOk{}, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "decoding cached ais public key"))
	}
	sealed, err := ecies.Seal(pub, claimsJSON)
	if err != nil {
		return RegisterOk{}, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "sealing identity credential"))
	}

	credentialsIssuedTotal.Inc()

	return RegisterOk{
		ActrID: actrID,
		Credential: Credential{
			EncryptedToken: sealed,
			TokenKeyID:     key.KeyID,
		},
		PSK:                         psk,
		CredentialExpiresAt:         exprTime,
		SignalingHeartbeatIntervalS: iss.cfg.HeartbeatIntervalSecs,
	}, nil
}
