package nonceauth

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// SQLStore implements Store over a shared database/sql connection,
// shared by KS's and Supervisor's nonce-auth guards (spec.md §3's
// "nonce store is a single shared table"). The nonces table is expected
// to already exist (internal/store.DB.Init creates it); this type only
// reads and writes it.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-open *sql.DB whose schema includes the
// `nonces(nonce TEXT PRIMARY KEY, expires_at INTEGER)` table.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Observe inserts nonce if and only if it has not been seen before,
// relying on the PRIMARY KEY constraint to make the check-and-insert
// atomic even under concurrent callers.
func (s *SQLStore) Observe(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO nonces (nonce, expires_at) VALUES (?, ?)`, nonce, expiresAt.Unix())
	if err != nil {
		return false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "inserting nonce"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "reading nonce insert result"))
	}
	return n == 1, nil
}

// Sweep deletes every nonce whose TTL has elapsed as of now and returns
// how many rows it removed. It runs only when a caller invokes it; this
// package does not schedule it.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, errkind.Wrap(errkind.Storage, trace.Wrap(err, "sweeping expired nonces"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.Wrap(errkind.Storage, trace.Wrap(err, "reading sweep result"))
	}
	return n, nil
}
