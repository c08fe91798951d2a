// Package aisstore implements the small embedded SQLite cache AIS's
// validator uses to survive a restart without re-fetching every secret
// key it has already decrypted from KS, mirroring the same
// database/sql-over-modernc.org/sqlite pattern as
// ais/issuer.SQLiteCache and ks/backend.SQLiteBackend (WAL mode, one
// schema, no cgo).
package aisstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gravitational/trace"
	_ "modernc.org/sqlite"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// SecretKeyCache persists validator-decrypted KS secret keys keyed by
// their KS key_id, so a validator restart doesn't force every active
// token key to round-trip through KS again before the first credential
// validates.
type SecretKeyCache struct {
	db *sql.DB
}

// Open opens (without initializing the schema) a cache at path.
func Open(path string) (*SecretKeyCache, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "opening ais secret key cache %q", path))
	}
	return &SecretKeyCache{db: db}, nil
}

// Init creates the cache's schema if absent.
func (c *SecretKeyCache) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ais_secret_key_cache (
	key_id INTEGER PRIMARY KEY,
	secret_key_b64 TEXT NOT NULL
);
`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "initializing ais secret key cache schema"))
	}
	return nil
}

// Close releases the underlying database connection.
func (c *SecretKeyCache) Close() error {
	return c.db.Close()
}

// Load returns the cached secret key material for keyID, if present.
func (c *SecretKeyCache) Load(ctx context.Context, keyID uint32) (string, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT secret_key_b64 FROM ais_secret_key_cache WHERE key_id = ?`, keyID)
	var secretKeyB64 string
	if err := row.Scan(&secretKeyB64); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "loading cached ais secret key"))
	}
	return secretKeyB64, true, nil
}

// Store persists keyID's decrypted secret key material, overwriting any
// previous entry (KS key ids are never reused, so this is idempotent in
// practice).
func (c *SecretKeyCache) Store(ctx context.Context, keyID uint32, secretKeyB64 string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO ais_secret_key_cache (key_id, secret_key_b64) VALUES (?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET secret_key_b64 = excluded.secret_key_b64`,
		keyID, secretKeyB64)
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "persisting ais secret key"))
	}
	return nil
}
