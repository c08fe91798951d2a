package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/signaling/registry"
)

// RegistryMirror implements signaling/registry.Mirror as an at-rest
// write-through table, supplemented from original_source's
// service_registry_storage.rs disk-mirror design (spec.md §4.3).
type RegistryMirror struct {
	db *DB
}

// NewRegistryMirror constructs a RegistryMirror over db.
func NewRegistryMirror(db *DB) *RegistryMirror {
	return &RegistryMirror{db: db}
}

// Put serializes e and upserts it, stamping its expiry ttl out from now.
func (m *RegistryMirror) Put(ctx context.Context, e registry.Entry, ttl time.Duration) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "marshaling registry entry"))
	}
	expiresAt := time.Now().Add(ttl).Unix()
	_, err = m.db.conn.ExecContext(ctx,
		`INSERT INTO registry_mirror (realm_id, serial, manufacturer, name, entry_json, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(realm_id, serial, manufacturer, name)
		 DO UPDATE SET entry_json=excluded.entry_json, expires_at=excluded.expires_at`,
		e.ActrID.RealmID, e.ActrID.Serial, e.ActrID.Type.Manufacturer, e.ActrID.Type.Name, body, expiresAt)
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "upserting registry mirror entry"))
	}
	return nil
}

// Get returns the mirrored entry for id, if present and unexpired.
func (m *RegistryMirror) Get(ctx context.Context, id realm.ActrID) (registry.Entry, bool, error) {
	row := m.db.conn.QueryRowContext(ctx,
		`SELECT entry_json, expires_at FROM registry_mirror WHERE realm_id = ? AND serial = ? AND manufacturer = ? AND name = ?`,
		id.RealmID, id.Serial, id.Type.Manufacturer, id.Type.Name)
	var body string
	var expiresAt int64
	if err := row.Scan(&body, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return registry.Entry{}, false, nil
		}
		return registry.Entry{}, false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "querying registry mirror entry"))
	}
	if expiresAt > 0 && time.Now().Unix() > expiresAt {
		return registry.Entry{}, false, nil
	}
	var e registry.Entry
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return registry.Entry{}, false, errkind.Wrap(errkind.Storage, trace.Wrap(err, "decoding registry mirror entry"))
	}
	return e, true, nil
}

// Delete removes the mirrored entry for id, if any.
func (m *RegistryMirror) Delete(ctx context.Context, id realm.ActrID) error {
	_, err := m.db.conn.ExecContext(ctx,
		`DELETE FROM registry_mirror WHERE realm_id = ? AND serial = ? AND manufacturer = ? AND name = ?`,
		id.RealmID, id.Serial, id.Type.Manufacturer, id.Type.Name)
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "deleting registry mirror entry"))
	}
	return nil
}
