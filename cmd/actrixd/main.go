// Command actrixd runs the actor-RTC auxiliary control plane: the Key
// Server, AIS registration/issuance, the signaling server and the
// Supervisor protocol's controller/agent sides, wired together from one
// TOML configuration document, the way teleport's tool/teleport binary
// assembles lib/service.Config into a running process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/ais/issuer"
	aisvalidator "github.com/actrix-rtc/actrixd/ais/validator"
	actrixconfig "github.com/actrix-rtc/actrixd/config"
	"github.com/actrix-rtc/actrixd/internal/aisstore"
	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/internal/store"
	"github.com/actrix-rtc/actrixd/ks"
	"github.com/actrix-rtc/actrixd/ks/backend"
	"github.com/actrix-rtc/actrixd/signaling/hub"
	"github.com/actrix-rtc/actrixd/signaling/registry"
	"github.com/actrix-rtc/actrixd/supervisor/agent"
	"github.com/actrix-rtc/actrixd/supervisor/controller"
)

// actrixdVersion is reported to the controller side of the Supervisor
// protocol on registration and node-info calls; there is no release
// pipeline stamping this yet, so it is a constant.
const actrixdVersion = "dev"

var log = logrus.WithField(logrus.FieldKeyFunc, "cmd/actrixd")

func main() {
	app := kingpin.New("actrixd", "Actor-RTC auxiliary control plane: key server, AIS and signaling.")
	configPath := app.Flag("config", "Path to the actrixd TOML configuration file.").Default("/etc/actrixd/actrixd.toml").String()
	debug := app.Flag("debug", "Enable verbose logging.").Bool()

	runCmd := app.Command("run", "Run the control plane.").Default()
	testConfigCmd := app.Command("test-config", "Parse, validate and round-trip the configuration file, then exit.")

	selected := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch selected {
	case runCmd.FullCommand():
		if err := run(*configPath); err != nil {
			log.WithError(err).Error("actrixd exited with an error")
			os.Exit(1)
		}
	case testConfigCmd.FullCommand():
		if err := testConfig(*configPath); err != nil {
			log.WithError(err).Error("configuration check failed")
			os.Exit(1)
		}
		fmt.Println("configuration OK")
	}
}

// testConfig implements the test-config subcommand's round-trip check
// (spec §8: from_toml(to_toml(cfg)).eq(cfg)).
func testConfig(path string) error {
	cfg, err := actrixconfig.Load(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "actrixd-config-roundtrip-*.toml")
	if err != nil {
		return errkind.Wrap(errkind.Configuration, trace.Wrap(err, "creating round-trip scratch file"))
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := actrixconfig.Save(tmpPath, cfg); err != nil {
		return err
	}
	roundTripped, err := actrixconfig.Load(tmpPath)
	if err != nil {
		return err
	}
	if roundTripped != cfg {
		return errkind.New(errkind.Configuration, "config round-trip mismatch: reloaded configuration differs from the original")
	}
	return nil
}

func run(path string) error {
	cfg, err := actrixconfig.Load(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	supervisorDB, err := store.Open(store.Config{Path: cfg.Supervisor.StorePath})
	if err != nil {
		return err
	}
	defer supervisorDB.Close()
	if err := supervisorDB.Init(ctx); err != nil {
		return err
	}

	realms := store.NewRealmStore(supervisorDB)
	acls := store.NewACLStore(supervisorDB)
	registryMirror := store.NewRegistryMirror(supervisorDB)
	nonceStore := nonceauth.NewSQLStore(supervisorDB.Conn())

	verifier := nonceauth.NewVerifier([]byte(cfg.NonceAuth.SharedSecret), nonceStore)
	verifier.Clock = clock
	verifier.MaxClockSkew = time.Duration(cfg.NonceAuth.MaxClockSkewSeconds) * time.Second
	verifier.NonceTTL = time.Duration(cfg.NonceAuth.NonceTTLSeconds) * time.Second

	supervisorController, err := controller.New(controller.Config{
		Verifier:              verifier,
		SharedSecret:          []byte(cfg.NonceAuth.SharedSecret),
		Clock:                 clock,
		HeartbeatIntervalSecs: cfg.Supervisor.HeartbeatIntervalSecs,
		ReportIntervalSecs:    cfg.Supervisor.ReportIntervalSecs,
	})
	if err != nil {
		return err
	}
	if token, err := supervisorController.IssueJoinToken(ctx, time.Hour); err != nil {
		log.WithError(err).Warn("actrixd: failed to mint a startup join token")
	} else if _, err := supervisorController.Bootstrap(ctx, token); err != nil {
		log.WithError(err).Warn("actrixd: failed to redeem the startup join token")
	}

	nodeID := cfg.Supervisor.NodeID
	if nodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			nodeID = hostname
		} else {
			nodeID = "actrixd-node"
		}
	}

	supervisorAgent, err := agent.New(agent.Config{
		Verifier:    verifier,
		Realms:      realms,
		Clock:       clock,
		NodeID:      nodeID,
		Name:        nodeID,
		Version:     actrixdVersion,
		LocationTag: nodeID,
		ShutdownHandler: func(context.Context, bool, *int64, string) error {
			cancel()
			return nil
		},
	})
	if err != nil {
		return err
	}

	localSup := &localSupervisor{
		controller: supervisorController,
		agent:      supervisorAgent,
		verifier:   verifier,
		clock:      clock,
		nodeID:     nodeID,
		agentAddr:  cfg.Signaling.BindAddr,
		name:       nodeID,
		version:    actrixdVersion,
	}
	if _, err := localSup.register(ctx); err != nil {
		log.WithError(err).Warn("actrixd: supervisor self-registration failed")
	} else {
		if err := localSup.syncSelf(ctx); err != nil {
			log.WithError(err).Warn("actrixd: supervisor self-sync failed")
		}
		go localSup.run(ctx, time.Duration(cfg.Supervisor.ReportIntervalSecs)*time.Second)
	}

	if !cfg.Enable.Has(actrixconfig.EnableKS) || !cfg.Enable.Has(actrixconfig.EnableAIS) || !cfg.Enable.Has(actrixconfig.EnableSignaling) {
		log.Info("actrixd: one or more of KS/AIS/signaling disabled by configuration; running the enabled subset")
	}

	ksBackend, err := newKSBackend(ctx, cfg.KS)
	if err != nil {
		return err
	}
	defer ksBackend.Close()
	if err := ksBackend.Init(ctx); err != nil {
		return err
	}

	encryptor := ks.NoEncryption()
	if src, ok := cfg.KS.KEKSource(); ok {
		encryptor, err = ks.FromSource(src)
		if err != nil {
			return err
		}
	}

	ksVerifier := nonceauth.NewVerifier([]byte(cfg.NonceAuth.SharedSecret), nonceStore)
	ksVerifier.Clock = clock

	ksService, err := ks.NewService(ks.Config{
		Backend:    ksBackend,
		Encryptor:  encryptor,
		Verifier:   ksVerifier,
		Clock:      clock,
		DefaultTTL: time.Duration(cfg.KS.DefaultTTLSeconds) * time.Second,
		Tolerance:  time.Duration(cfg.KS.ToleranceSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	localKSClient := &localKS{svc: ksService, verifier: ksVerifier}

	aisCache, err := issuer.NewSQLiteCache(cfg.AIS.KeyCachePath)
	if err != nil {
		return err
	}
	if err := aisCache.Init(ctx); err != nil {
		return err
	}

	aisIssuer, err := issuer.New(ctx, issuer.Config{
		KS:                    localKSClient,
		Cache:                 aisCache,
		Clock:                 clock,
		NodeID:                cfg.AIS.NodeID,
		TokenTTL:              time.Duration(cfg.AIS.TokenTTLSeconds) * time.Second,
		Tolerance:             time.Duration(cfg.AIS.ToleranceSeconds) * time.Second,
		HeartbeatIntervalSecs: cfg.AIS.HeartbeatIntervalSecs,
	})
	if err != nil {
		return err
	}
	defer aisIssuer.Stop()

	aisSecretCache, err := aisstore.Open(cfg.AIS.ValidatorCachePath)
	if err != nil {
		return err
	}
	if err := aisSecretCache.Init(ctx); err != nil {
		return err
	}
	defer aisSecretCache.Close()

	aisValidator, err := aisvalidator.New(aisvalidator.Config{KS: localKSClient, Clock: clock, Persistent: aisSecretCache})
	if err != nil {
		return err
	}

	reg := registry.New(clock, registryMirror,
		time.Duration(cfg.Signaling.HeartbeatExpirySeconds)*time.Second,
		time.Duration(cfg.Signaling.MirrorTTLSeconds)*time.Second)

	signalingHub, err := hub.New(hub.Config{
		Realms:       &realmLookup{realms: realms},
		ACL:          acls,
		Issuer:       aisIssuer,
		Validator:    aisValidator,
		Registry:     reg,
		Clock:        clock,
		MessageRPS:   cfg.Signaling.MessageRPS,
		MessageBurst: cfg.Signaling.MessageBurst,
		PingIntervalSecs: cfg.Signaling.PingIntervalSeconds,
	})
	if err != nil {
		return err
	}

	go evictionLoop(ctx, reg, time.Duration(cfg.Signaling.HeartbeatExpirySeconds)*time.Second)

	server := &http.Server{Addr: cfg.Signaling.BindAddr, Handler: signalingHub}
	go func() {
		log.WithField("addr", cfg.Signaling.BindAddr).Info("actrixd: signaling server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("actrixd: signaling server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("actrixd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	localSup.shutdown(shutdownCtx, "operator signal")
	return server.Shutdown(shutdownCtx)
}

// evictionLoop periodically evicts stale registry entries, mirroring
// the heartbeat-eviction sweep spec.md §4.3 describes as a background
// timer rather than a per-request check.
func evictionLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = registry.DefaultHeartbeatExpiry
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := reg.EvictStale()
			if len(evicted) > 0 {
				log.WithField("count", len(evicted)).Debug("actrixd: evicted stale registry entries")
			}
		}
	}
}

func newKSBackend(ctx context.Context, cfg actrixconfig.KSConfig) (backend.Backend, error) {
	switch cfg.Backend {
	case actrixconfig.KSBackendRedis:
		return backend.NewRedisBackendFromConfig(backend.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), nil
	case actrixconfig.KSBackendPostgres:
		return backend.NewPostgresBackend(ctx, backend.PostgresConfig{DSN: cfg.PostgresDSN})
	default:
		return backend.NewSQLiteBackend(backend.SQLiteConfig{Path: cfg.SQLitePath})
	}
}
