package nonceauth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE nonces (nonce TEXT PRIMARY KEY, expires_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func TestSQLStore_ObserveRejectsReplay(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Minute)

	fresh, err := s.Observe(ctx, "nonce-1", expiry)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = s.Observe(ctx, "nonce-1", expiry)
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestSQLStore_SweepRemovesExpired(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.Observe(ctx, "old", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.Observe(ctx, "fresh", time.Now().Add(time.Hour))
	require.NoError(t, err)

	n, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	fresh, err := s.Observe(ctx, "old", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, fresh, "swept nonce should be observable again")
}
