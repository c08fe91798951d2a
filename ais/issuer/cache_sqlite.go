package issuer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	_ "modernc.org/sqlite"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// SQLiteCache is the local, single-row KeyCache AIS uses to survive a
// restart without an immediate KS round trip.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (without initializing the schema) a cache at path.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "opening ais key cache %q", path))
	}
	return &SQLiteCache{db: db}, nil
}

// Init creates the cache's schema if absent.
func (c *SQLiteCache) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ais_key_cache (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	key_id INTEGER NOT NULL,
	public_key_b64 TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	fetched_at INTEGER NOT NULL
);
`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "initializing ais key cache schema"))
	}
	return nil
}

func (c *SQLiteCache) Load(ctx context.Context) (CachedKey, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT key_id, public_key_b64, expires_at, fetched_at FROM ais_key_cache WHERE id = 0`)
	var key CachedKey
	var expiresAt, fetchedAt int64
	if err := row.Scan(&key.KeyID, &key.PublicKeyB64, &expiresAt, &fetchedAt); err != nil {
		if err == sql.ErrNoRows {
			return CachedKey{}, false, nil
		}
		return CachedKey{}, false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "loading ais key cache"))
	}
	key.ExpiresAt = time.Unix(expiresAt, 0)
	key.FetchedAt = time.Unix(fetchedAt, 0)
	return key, true, nil
}

func (c *SQLiteCache) Store(ctx context.Context, key CachedKey) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO ais_key_cache (id, key_id, public_key_b64, expires_at, fetched_at) VALUES (0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET key_id=excluded.key_id, public_key_b64=excluded.public_key_b64,
		 	expires_at=excluded.expires_at, fetched_at=excluded.fetched_at`,
		key.KeyID, key.PublicKeyB64, key.ExpiresAt.Unix(), key.FetchedAt.Unix())
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "persisting ais key cache"))
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
