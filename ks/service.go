package ks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/metrics"
	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/ks/backend"
	"github.com/actrix-rtc/actrixd/pkg/ecies"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "ks")

var (
	keysGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "actrixd_ks_keys_generated_total",
		Help: "Number of ECIES key pairs generated by the key server.",
	})
	secretKeyFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "actrixd_ks_secret_key_fetches_total",
		Help: "Number of secret keys successfully returned by GetSecretKey.",
	})

	prometheusCollectors = []prometheus.Collector{keysGeneratedTotal, secretKeyFetchesTotal}
)

// Config configures a Service.
type Config struct {
	Backend   backend.Backend
	Encryptor *KeyEncryptor
	Verifier  *nonceauth.Verifier
	Clock     clockwork.Clock

	// DefaultTTL is used for GenerateKey when the caller does not
	// override it; zero means "never expires".
	DefaultTTL time.Duration
	// Tolerance is how long past expires_at a key still decrypts,
	// surfaced to callers as an in-tolerance-period warning.
	Tolerance time.Duration

	// CleanupCheckInterval is how many requests elapse between lazy
	// expiry sweep checks.
	CleanupCheckInterval uint64
	// CleanupMinKeys is the minimum key count before a sweep actually
	// runs once CleanupCheckInterval requests have elapsed.
	CleanupMinKeys uint32
}

// CheckAndSetDefaults validates cfg and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return errkind.New(errkind.Configuration, "ks: backend is required")
	}
	if c.Verifier == nil {
		return errkind.New(errkind.Configuration, "ks: nonce-auth verifier is required")
	}
	if c.Encryptor == nil {
		c.Encryptor = NoEncryption()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 5 * time.Minute
	}
	if c.CleanupCheckInterval == 0 {
		c.CleanupCheckInterval = 100
	}
	if c.CleanupMinKeys == 0 {
		c.CleanupMinKeys = 1000
	}
	return nil
}

// Service implements the KS RPC surface: GenerateKey, GetSecretKey and
// HealthCheck, all gated by nonce-auth, plus lazy expiry sweeping driven
// off a per-process request counter so sweep cost isn't paid on every call.
type Service struct {
	cfg          Config
	requestCount uint64
}

// NewService constructs a Service from cfg.
func NewService(cfg Config) (*Service, error) {
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Service{cfg: cfg}, nil
}

// GenerateKeyResult is the response shape for GenerateKey.
type GenerateKeyResult struct {
	KeyID             uint32
	PublicKeyB64      string
	ExpiresAt         int64 // unix seconds, 0 = never
	ToleranceSeconds  int64
}

// GenerateKeyPayload is the nonce-auth canonical payload for GenerateKey.
const GenerateKeyPayload = "generate_key"

// GetSecretKeyPayload returns the nonce-auth canonical payload for
// GetSecretKey(keyID).
func GetSecretKeyPayload(keyID uint32) string {
	return fmt.Sprintf("get_secret_key:%d", keyID)
}

// HealthCheckPayload is the nonce-auth canonical payload for HealthCheck.
const HealthCheckPayload = "health_check"

// HealthCheckResult is the response shape for HealthCheck.
type HealthCheckResult struct {
	KeyCount  uint32
	LatencyMs int64
}

// GenerateKey authenticates cred against the canonical "generate_key"
// payload, then produces and stores a fresh ECIES key pair.
func (s *Service) GenerateKey(ctx context.Context, cred nonceauth.Credential) (GenerateKeyResult, error) {
	if err := s.cfg.Verifier.Verify(ctx, GenerateKeyPayload, cred); err != nil {
		return GenerateKeyResult{}, err
	}

	pair, err := ecies.GenerateKeyPair()
	if err != nil {
		return GenerateKeyResult{}, errkind.Wrap(errkind.Crypto, err)
	}
	publicB64 := ecies.EncodePublic(pair.Public)
	secretB64 := ecies.EncodePrivate(pair.Private)

	sealedSecret, err := s.cfg.Encryptor.Encrypt(secretB64)
	if err != nil {
		return GenerateKeyResult{}, err
	}

	now := s.cfg.Clock.Now()
	rec, err := s.cfg.Backend.GenerateAndStore(ctx, publicB64, sealedSecret, s.cfg.DefaultTTL, now)
	if err != nil {
		return GenerateKeyResult{}, errkind.Wrap(errkind.Storage, err)
	}

	s.maybeSweep(ctx)
	keysGeneratedTotal.Inc()

	var expiresAt int64
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.Unix()
	}
	return GenerateKeyResult{
		KeyID:            rec.KeyID,
		PublicKeyB64:     rec.PublicKeyB64,
		ExpiresAt:        expiresAt,
		ToleranceSeconds: int64(s.cfg.Tolerance / time.Second),
	}, nil
}

// GetSecretKeyResult is the response shape for GetSecretKey.
type GetSecretKeyResult struct {
	SecretKeyB64      string
	ExpiresAt         int64
	InTolerancePeriod bool
}

// GetSecretKey authenticates cred against the canonical
// "get_secret_key:{key_id}" payload, then returns the decrypted secret
// key for keyID if it has not yet passed its tolerance window.
func (s *Service) GetSecretKey(ctx context.Context, keyID uint32, cred nonceauth.Credential) (GetSecretKeyResult, error) {
	if err := s.cfg.Verifier.Verify(ctx, GetSecretKeyPayload(keyID), cred); err != nil {
		return GetSecretKeyResult{}, err
	}

	rec, ok, err := s.cfg.Backend.GetRecord(ctx, keyID)
	if err != nil {
		return GetSecretKeyResult{}, errkind.Wrap(errkind.Storage, err)
	}
	if !ok {
		return GetSecretKeyResult{}, errkind.New(errkind.KeyNotFound, "key %d not found", keyID)
	}

	now := s.cfg.Clock.Now()
	kr := toKeyRecord(rec)
	if kr.PastTolerance(now, s.cfg.Tolerance) {
		return GetSecretKeyResult{}, errkind.New(errkind.KeyNotFound, "key %d past tolerance window", keyID)
	}

	plaintext, err := s.cfg.Encryptor.Decrypt(rec.SecretKeyCiphertextB64)
	if err != nil {
		// KEK decrypt failures are a Crypto-class error, never
		// reported as KeyNotFound.
		return GetSecretKeyResult{}, err
	}

	s.maybeSweep(ctx)
	secretKeyFetchesTotal.Inc()

	var expiresAt int64
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.Unix()
	}
	return GetSecretKeyResult{
		SecretKeyB64:      plaintext,
		ExpiresAt:         expiresAt,
		InTolerancePeriod: kr.InTolerance(now, s.cfg.Tolerance),
	}, nil
}

// HealthCheck authenticates cred against the canonical "health_check"
// payload and reports the backend's key count and round-trip latency,
// the KS half of spec.md §6's KeyServer surface.
func (s *Service) HealthCheck(ctx context.Context, cred nonceauth.Credential) (HealthCheckResult, error) {
	start := s.cfg.Clock.Now()
	if err := s.cfg.Verifier.Verify(ctx, HealthCheckPayload, cred); err != nil {
		return HealthCheckResult{}, err
	}

	count, err := s.cfg.Backend.Count(ctx)
	if err != nil {
		return HealthCheckResult{}, errkind.Wrap(errkind.Storage, err)
	}

	return HealthCheckResult{
		KeyCount:  count,
		LatencyMs: s.cfg.Clock.Now().Sub(start).Milliseconds(),
	}, nil
}

// toKeyRecord adapts a storage-layer backend.Record to the ks package's
// KeyRecord, which carries the tolerance-window predicates.
func toKeyRecord(rec backend.Record) KeyRecord {
	return KeyRecord{
		KeyID:                  rec.KeyID,
		PublicKeyB64:           rec.PublicKeyB64,
		SecretKeyCiphertextB64: rec.SecretKeyCiphertextB64,
		CreatedAt:              rec.CreatedAt,
		ExpiresAt:              rec.ExpiresAt,
	}
}

// maybeSweep spawns a non-blocking expiry sweep every
// CleanupCheckInterval requests, provided the stored key count has
// grown past CleanupMinKeys. This keeps ordinary requests from paying
// sweep cost while still bounding how large the expired backlog gets.
func (s *Service) maybeSweep(ctx context.Context) {
	n := atomic.AddUint64(&s.requestCount, 1)
	if n%s.cfg.CleanupCheckInterval != 0 {
		return
	}
	go func() {
		count, err := s.cfg.Backend.Count(context.Background())
		if err != nil {
			log.WithError(err).Warn("ks: failed to read key count before sweep")
			return
		}
		if count < s.cfg.CleanupMinKeys {
			return
		}
		removed, err := s.cfg.Backend.CleanupExpired(context.Background(), s.cfg.Clock.Now())
		if err != nil {
			log.WithError(err).Warn("ks: expiry sweep failed")
			return
		}
		if removed > 0 {
			log.WithField("removed", removed).Info("ks: swept expired keys")
		}
	}()
}
