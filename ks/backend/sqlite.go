package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	_ "modernc.org/sqlite"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// SQLiteConfig configures the embedded, WAL-mode SQLite backend.
type SQLiteConfig struct {
	// Path is the database file path, e.g. "/var/lib/actrixd/ks.db".
	Path string
	// MaxOpenConns bounds the connection pool; SQLite tolerates only a
	// single writer at a time so this is mostly useful for concurrent
	// readers.
	MaxOpenConns int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SQLiteConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("sqlite backend requires a database path")
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	return nil
}

// SQLiteBackend is the embedded KS storage backend.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (without initializing the schema) a SQLite
// backend at cfg.Path in WAL mode.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "opening sqlite database %q", cfg.Path))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS key_records (
	key_id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_key_b64 TEXT NOT NULL,
	secret_ciphertext_b64 TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_key_records_expires_at ON key_records(expires_at);
`
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "initializing ks schema"))
	}
	return nil
}

func (b *SQLiteBackend) GenerateAndStore(ctx context.Context, publicKeyB64, secretCiphertextB64 string, ttl time.Duration, now time.Time) (Record, error) {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO key_records (public_key_b64, secret_ciphertext_b64, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		publicKeyB64, secretCiphertextB64, now.Unix(), expiresAt)
	if err != nil {
		return Record{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "inserting key record"))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "reading inserted key id"))
	}
	rec := Record{
		KeyID:                  uint32(id),
		PublicKeyB64:           publicKeyB64,
		SecretKeyCiphertextB64: secretCiphertextB64,
		CreatedAt:              now,
	}
	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return rec, nil
}

func (b *SQLiteBackend) GetPublic(ctx context.Context, keyID uint32) (string, bool, error) {
	rec, ok, err := b.GetRecord(ctx, keyID)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.PublicKeyB64, true, nil
}

func (b *SQLiteBackend) GetSecret(ctx context.Context, keyID uint32) (string, bool, error) {
	rec, ok, err := b.GetRecord(ctx, keyID)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.SecretKeyCiphertextB64, true, nil
}

func (b *SQLiteBackend) GetRecord(ctx context.Context, keyID uint32) (Record, bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT key_id, public_key_b64, secret_ciphertext_b64, created_at, expires_at FROM key_records WHERE key_id = ?`,
		keyID)
	var rec Record
	var createdAt, expiresAt int64
	if err := row.Scan(&rec.KeyID, &rec.PublicKeyB64, &rec.SecretKeyCiphertextB64, &createdAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "querying key record"))
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return rec, true, nil
}

func (b *SQLiteBackend) Count(ctx context.Context) (uint32, error) {
	var n uint32
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_records`).Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.Storage, trace.Wrap(err, "counting key records"))
	}
	return n, nil
}

func (b *SQLiteBackend) CleanupExpired(ctx context.Context, now time.Time) (uint32, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM key_records WHERE expires_at > 0 AND expires_at < ?`, now.Unix())
	if err != nil {
		return 0, errkind.Wrap(errkind.Storage, trace.Wrap(err, "cleaning up expired keys"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.Wrap(errkind.Storage, trace.Wrap(err, "reading rows affected"))
	}
	return uint32(n), nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
