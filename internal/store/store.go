// Package store implements Supervisor's locally-owned persistence: the
// realm table and its sidecar config keys, the actor-type ACL table, and
// a disk mirror of the signaling service registry. All three share one
// embedded SQLite database per node, opened the same way ks/backend's
// SQLite backend is (WAL mode, bounded pool), since Supervisor's tables
// are node-local rather than shared across a cluster.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gravitational/trace"
	_ "modernc.org/sqlite"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// Config configures the shared SQLite database backing every store in
// this package.
type Config struct {
	// Path is the database file path, e.g. "/var/lib/actrixd/supervisor.db".
	Path string
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int
}

// CheckAndSetDefaults validates cfg and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("store requires a database path")
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	return nil
}

// DB wraps the shared *sql.DB and owns schema creation for every table
// Supervisor's stores use.
type DB struct {
	conn *sql.DB
}

// Open opens (without initializing the schema) the shared database at
// cfg.Path in WAL mode.
func Open(cfg Config) (*DB, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "opening supervisor database %q", cfg.Path))
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	return &DB{conn: conn}, nil
}

// Init creates every table used by this package's stores, if absent.
func (d *DB) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS realms (
	realm_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	public_key_b64 TEXT NOT NULL DEFAULT '',
	key_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS realm_sidecar (
	realm_id INTEGER NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (realm_id, key)
);
CREATE TABLE IF NOT EXISTS acl_rules (
	realm_id INTEGER NOT NULL,
	from_manufacturer TEXT NOT NULL,
	from_name TEXT NOT NULL,
	to_manufacturer TEXT NOT NULL,
	to_name TEXT NOT NULL,
	permission TEXT NOT NULL,
	PRIMARY KEY (realm_id, from_manufacturer, from_name, to_manufacturer, to_name)
);
CREATE TABLE IF NOT EXISTS registry_mirror (
	realm_id INTEGER NOT NULL,
	serial INTEGER NOT NULL,
	manufacturer TEXT NOT NULL,
	name TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (realm_id, serial, manufacturer, name)
);
CREATE TABLE IF NOT EXISTS nonces (
	nonce TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces(expires_at);
`
	if _, err := d.conn.ExecContext(ctx, schema); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "initializing supervisor schema"))
	}
	return nil
}

// Close releases the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn exposes the underlying *sql.DB for callers that need to share
// this database with another package's store (e.g. the nonce table
// backing internal/nonceauth.SQLStore).
func (d *DB) Conn() *sql.DB {
	return d.conn
}
