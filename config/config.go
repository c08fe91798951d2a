// Package config loads and validates actrixd's TOML configuration
// document into a Config struct tree, mirroring the bitmask-enable and
// per-service sub-config layout of original_source's
// crates/common/src/config/mod.rs, expressed the way the teacher
// validates its own config sub-trees: every sub-config carries its own
// CheckAndSetDefaults() error (teacher: jwt.Config.CheckAndSetDefaults,
// auth.RegisterUsingTokenRequest.CheckAndSetDefaults).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/gravitational/trace"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/ks"
)

// Enable is a bitmask of which subsystems a process should start,
// mirroring original_source's Enable bitmask exactly.
type Enable uint8

const (
	EnableSignaling Enable = 1 << iota
	EnableSTUN
	EnableTURN
	EnableAIS
	EnableKS
)

// Has reports whether bit is set in e.
func (e Enable) Has(bit Enable) bool { return e&bit != 0 }

// KSBackendKind selects which of KS's three storage backends to use.
type KSBackendKind string

const (
	KSBackendSQLite   KSBackendKind = "sqlite"
	KSBackendRedis    KSBackendKind = "redis"
	KSBackendPostgres KSBackendKind = "postgres"
)

// KSConfig configures the Key Server subsystem.
type KSConfig struct {
	Backend KSBackendKind `toml:"backend"`

	SQLitePath string `toml:"sqlite_path"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`

	PostgresDSN string `toml:"postgres_dsn"`

	// KEKSourceKind is "direct", "environment" or "file"; empty means
	// no KEK (secrets stored in plaintext).
	KEKSourceKind string `toml:"kek_source_kind"`
	KEKValue      string `toml:"kek_value"`

	DefaultTTLSeconds int64 `toml:"default_ttl_seconds"`
	ToleranceSeconds  int64 `toml:"tolerance_seconds"`
}

// CheckAndSetDefaults validates and fills in defaults for c.
func (c *KSConfig) CheckAndSetDefaults() error {
	switch c.Backend {
	case "":
		c.Backend = KSBackendSQLite
	case KSBackendSQLite, KSBackendRedis, KSBackendPostgres:
	default:
		return errkind.New(errkind.Configuration, "ks: unknown backend %q", c.Backend)
	}
	if c.Backend == KSBackendSQLite && c.SQLitePath == "" {
		c.SQLitePath = "actrixd-ks.db"
	}
	if c.Backend == KSBackendRedis && c.RedisAddr == "" {
		return errkind.New(errkind.Configuration, "ks: redis backend requires redis_addr")
	}
	if c.Backend == KSBackendPostgres && c.PostgresDSN == "" {
		return errkind.New(errkind.Configuration, "ks: postgres backend requires postgres_dsn")
	}
	if c.ToleranceSeconds <= 0 {
		c.ToleranceSeconds = 300
	}
	return nil
}

// kekSource converts the TOML-facing strings into ks.KekSource.
func (c KSConfig) kekSource() (ks.KekSource, bool) {
	switch c.KEKSourceKind {
	case "", "none":
		return ks.KekSource{}, false
	case "direct":
		return ks.KekSource{Kind: ks.KekDirect, Value: c.KEKValue}, true
	case "environment":
		return ks.KekSource{Kind: ks.KekEnvironment, Value: c.KEKValue}, true
	case "file":
		return ks.KekSource{Kind: ks.KekFile, Value: c.KEKValue}, true
	default:
		return ks.KekSource{}, false
	}
}

// NonceAuthConfig configures the HMAC+nonce+timestamp scheme shared by
// KS and Supervisor RPCs.
type NonceAuthConfig struct {
	SharedSecret        string `toml:"shared_secret"`
	MaxClockSkewSeconds int64  `toml:"max_clock_skew_seconds"`
	NonceTTLSeconds     int64  `toml:"nonce_ttl_seconds"`
}

// CheckAndSetDefaults validates and fills in defaults for c.
func (c *NonceAuthConfig) CheckAndSetDefaults() error {
	if len(c.SharedSecret) < 32 {
		return errkind.New(errkind.Configuration, "nonce_auth: shared_secret must be at least 32 bytes")
	}
	if c.MaxClockSkewSeconds <= 0 {
		c.MaxClockSkewSeconds = 300
	}
	if c.NonceTTLSeconds <= 0 {
		c.NonceTTLSeconds = c.MaxClockSkewSeconds + 60
	}
	return nil
}

// SignalingConfig configures the WebSocket signaling server.
type SignalingConfig struct {
	BindAddr              string `toml:"bind_addr"`
	HeartbeatExpirySeconds int64  `toml:"heartbeat_expiry_seconds"`
	MirrorTTLSeconds      int64  `toml:"mirror_ttl_seconds"`
	PingIntervalSeconds   int64  `toml:"ping_interval_seconds"`
	MessageRPS            float64 `toml:"message_rps"`
	MessageBurst          int    `toml:"message_burst"`
}

// CheckAndSetDefaults validates and fills in defaults for c.
func (c *SignalingConfig) CheckAndSetDefaults() error {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8443"
	}
	if c.HeartbeatExpirySeconds <= 0 {
		c.HeartbeatExpirySeconds = 300
	}
	if c.MirrorTTLSeconds <= 0 {
		c.MirrorTTLSeconds = 3600
	}
	if c.PingIntervalSeconds <= 0 {
		c.PingIntervalSeconds = 30
	}
	if c.MessageRPS <= 0 {
		c.MessageRPS = 50
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 100
	}
	return nil
}

// AISConfig configures the AIS registration/issuance subsystem.
type AISConfig struct {
	KeyCachePath          string `toml:"key_cache_path"`
	ValidatorCachePath    string `toml:"validator_cache_path"`
	NodeID                uint64 `toml:"node_id"`
	TokenTTLSeconds       int64  `toml:"token_ttl_seconds"`
	ToleranceSeconds      int64  `toml:"tolerance_seconds"`
	HeartbeatIntervalSecs int64  `toml:"heartbeat_interval_seconds"`
}

// CheckAndSetDefaults validates and fills in defaults for c.
func (c *AISConfig) CheckAndSetDefaults() error {
	if c.KeyCachePath == "" {
		c.KeyCachePath = "actrixd-ais-cache.db"
	}
	if c.ValidatorCachePath == "" {
		c.ValidatorCachePath = "actrixd-ais-validator-cache.db"
	}
	if c.TokenTTLSeconds <= 0 {
		c.TokenTTLSeconds = 3600
	}
	if c.ToleranceSeconds <= 0 {
		c.ToleranceSeconds = 86400
	}
	if c.HeartbeatIntervalSecs <= 0 {
		c.HeartbeatIntervalSecs = 30
	}
	return nil
}

// SupervisorConfig configures the Supervisor protocol's controller and
// agent sides, and the Supervisor-owned SQLite store backing realms,
// ACLs, the registry mirror and the shared nonce table.
type SupervisorConfig struct {
	StorePath string `toml:"store_path"`

	NodeID                string `toml:"node_id"`
	HeartbeatIntervalSecs int64  `toml:"heartbeat_interval_seconds"`
	ReportIntervalSecs    int64  `toml:"report_interval_seconds"`
}

// CheckAndSetDefaults validates and fills in defaults for c.
func (c *SupervisorConfig) CheckAndSetDefaults() error {
	if c.StorePath == "" {
		c.StorePath = "actrixd-supervisor.db"
	}
	if c.HeartbeatIntervalSecs <= 0 {
		c.HeartbeatIntervalSecs = 30
	}
	if c.ReportIntervalSecs <= 0 {
		c.ReportIntervalSecs = 60
	}
	return nil
}

// Config is the top-level actrixd configuration document.
type Config struct {
	Enable Enable `toml:"-"`

	// EnableSignaling etc. are the TOML-facing booleans that compose
	// into the Enable bitmask; kept separate from Enable itself so the
	// document round-trips through TOML (bitmasks don't serialize
	// naturally) while the rest of the program only ever reads Enable.
	EnableSignaling bool `toml:"enable_signaling"`
	EnableSTUN      bool `toml:"enable_stun"`
	EnableTURN      bool `toml:"enable_turn"`
	EnableAIS       bool `toml:"enable_ais"`
	EnableKS        bool `toml:"enable_ks"`

	NonceAuth  NonceAuthConfig  `toml:"nonce_auth"`
	KS         KSConfig         `toml:"ks"`
	Signaling  SignalingConfig  `toml:"signaling"`
	AIS        AISConfig        `toml:"ais"`
	Supervisor SupervisorConfig `toml:"supervisor"`
}

// CheckAndSetDefaults validates every sub-config and recomputes the
// Enable bitmask from the individual toggles.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.NonceAuth.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.KS.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.Signaling.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.AIS.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.Supervisor.CheckAndSetDefaults(); err != nil {
		return err
	}

	var enable Enable
	if c.EnableSignaling {
		enable |= EnableSignaling
	}
	if c.EnableSTUN {
		enable |= EnableSTUN
	}
	if c.EnableTURN {
		enable |= EnableTURN
	}
	if c.EnableAIS {
		enable |= EnableAIS
	}
	if c.EnableKS {
		enable |= EnableKS
	}
	if enable == 0 {
		enable = EnableSignaling | EnableAIS | EnableKS
		c.EnableSignaling, c.EnableAIS, c.EnableKS = true, true, true
	}
	c.Enable = enable
	return nil
}

// KEKSource converts the config-file KEK fields into a ks.KekSource,
// reporting false when no KEK is configured (plaintext-at-rest mode).
func (c KSConfig) KEKSource() (ks.KekSource, bool) {
	return c.kekSource()
}

// Load reads and parses the TOML document at path into a validated Config.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errkind.Wrap(errkind.Configuration, trace.Wrap(err, "parsing config file %q", path))
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as a TOML document to path, used by the test-config
// subcommand's round-trip check.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return errkind.Wrap(errkind.Configuration, trace.Wrap(err, "creating config file %q", path))
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return errkind.Wrap(errkind.Configuration, trace.Wrap(err, "encoding config file %q", path))
	}
	return nil
}
