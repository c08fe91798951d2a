package ks

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/ks/backend"
)

// StorageKind is the closed tagged union of KS storage backends.
type StorageKind int

const (
	StorageSQLite StorageKind = iota
	StorageRedis
	StoragePostgres
)

func (k StorageKind) String() string {
	switch k {
	case StorageSQLite:
		return "sqlite"
	case StorageRedis:
		return "redis"
	case StoragePostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// StorageConfig selects and configures exactly one backend variant.
type StorageConfig struct {
	Backend  StorageKind
	SQLite   backend.SQLiteConfig
	Redis    backend.RedisConfig
	Postgres backend.PostgresConfig
}

// NewBackend constructs (and initializes) the backend named by cfg.
func NewBackend(ctx context.Context, cfg StorageConfig) (backend.Backend, error) {
	var b backend.Backend
	switch cfg.Backend {
	case StorageSQLite:
		sb, err := backend.NewSQLiteBackend(cfg.SQLite)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		b = sb
	case StorageRedis:
		b = backend.NewRedisBackendFromConfig(cfg.Redis)
	case StoragePostgres:
		pb, err := backend.NewPostgresBackend(ctx, cfg.Postgres)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		b = pb
	default:
		return nil, errkind.New(errkind.Configuration, "unknown ks storage backend %v", cfg.Backend)
	}
	if err := b.Init(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}
