package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/realm"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "internal/store")

// Sidecar config keys persisted alongside every realm row.
const (
	SidecarEnabled    = "realm.enabled"
	SidecarUseServers = "realm.use_servers"
	SidecarVersion    = "realm.version"
)

// Metadata is the sidecar KV data persisted next to a realm row:
// enablement, the permitted resource-type bitmap (kept as names rather
// than a closed Go enum so new resource types never require a schema
// change here), and a monotonic sync version.
type Metadata struct {
	Enabled    bool
	UseServers []string
	Version    uint64
}

// DefaultMetadata is what a corrupt or missing sidecar key set degrades
// to (spec: corrupt sidecar values never fault the reply).
func DefaultMetadata() Metadata {
	return Metadata{Enabled: true, UseServers: []string{}, Version: 0}
}

// RealmRecord pairs a realm row with its sidecar metadata.
type RealmRecord struct {
	Realm    realm.Realm
	Metadata Metadata
}

// RealmStore is Supervisor's locally-owned realm table plus sidecar
// config keys, grounded on crates/supervit/src/realm.rs and
// crates/supervit/src/service.rs's create/update/delete realm handlers.
type RealmStore struct {
	db *DB
}

// NewRealmStore constructs a RealmStore over db.
func NewRealmStore(db *DB) *RealmStore {
	return &RealmStore{db: db}
}

// Create persists a new realm row and its three sidecar keys. If the
// sidecar write fails, the realm row is deleted to avoid leaving a
// half-created realm behind, mirroring the original's create-then-clean-
// up-on-metadata-failure behavior.
func (s *RealmStore) Create(ctx context.Context, r realm.Realm, meta Metadata) (RealmRecord, error) {
	if err := s.insertRealmRow(ctx, r); err != nil {
		return RealmRecord{}, err
	}
	if err := s.persistSidecar(ctx, r.RealmID, meta); err != nil {
		if delErr := s.deleteRealmRow(ctx, r.RealmID); delErr != nil {
			log.WithError(delErr).WithField("realm_id", r.RealmID).
				Warn("store: failed to roll back realm row after sidecar write failure")
		}
		return RealmRecord{}, err
	}
	return RealmRecord{Realm: r, Metadata: meta}, nil
}

// Get loads a realm row and its sidecar metadata, defaulting any
// missing or corrupt sidecar value.
func (s *RealmStore) Get(ctx context.Context, realmID uint32) (RealmRecord, bool, error) {
	r, ok, err := s.getRealmRow(ctx, realmID)
	if err != nil || !ok {
		return RealmRecord{}, ok, err
	}
	meta, err := s.loadSidecar(ctx, realmID)
	if err != nil {
		return RealmRecord{}, false, err
	}
	return RealmRecord{Realm: r, Metadata: meta}, true, nil
}

// Update replaces the realm row and sidecar metadata for updated.RealmID.
// If persisting the new sidecar values fails, both the row and the
// sidecar keys are reverted to their pre-call values (spec.md §4.5:
// "UpdateRealm is transactional").
func (s *RealmStore) Update(ctx context.Context, updated realm.Realm, updatedMeta Metadata) (RealmRecord, error) {
	original, ok, err := s.Get(ctx, updated.RealmID)
	if err != nil {
		return RealmRecord{}, err
	}
	if !ok {
		return RealmRecord{}, errkind.New(errkind.Configuration, "realm %d not found", updated.RealmID)
	}

	if err := s.insertRealmRow(ctx, updated); err != nil {
		return RealmRecord{}, err
	}

	if err := s.persistSidecar(ctx, updated.RealmID, updatedMeta); err != nil {
		if rbErr := s.insertRealmRow(ctx, original.Realm); rbErr != nil {
			log.WithError(rbErr).WithField("realm_id", updated.RealmID).
				Warn("store: failed to roll back realm row after metadata update failure")
		}
		if rbErr := s.persistSidecar(ctx, updated.RealmID, original.Metadata); rbErr != nil {
			log.WithError(rbErr).WithField("realm_id", updated.RealmID).
				Warn("store: failed to roll back realm sidecar after metadata update failure")
		}
		return RealmRecord{}, err
	}

	return RealmRecord{Realm: updated, Metadata: updatedMeta}, nil
}

// Delete removes a realm row and every sidecar key under it.
func (s *RealmStore) Delete(ctx context.Context, realmID uint32) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM realm_sidecar WHERE realm_id = ?`, realmID); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "deleting realm sidecar keys"))
	}
	if err := s.deleteRealmRow(ctx, realmID); err != nil {
		return err
	}
	return nil
}

// List returns every realm row paired with its sidecar metadata.
func (s *RealmStore) List(ctx context.Context) ([]RealmRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT realm_id, name, expires_at, status, public_key_b64, key_id FROM realms ORDER BY realm_id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "listing realms"))
	}
	defer rows.Close()

	var out []RealmRecord
	for rows.Next() {
		r, err := scanRealmRow(rows)
		if err != nil {
			return nil, err
		}
		meta, err := s.loadSidecar(ctx, r.RealmID)
		if err != nil {
			return nil, err
		}
		out = append(out, RealmRecord{Realm: r, Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "iterating realms"))
	}
	return out, nil
}

func (s *RealmStore) insertRealmRow(ctx context.Context, r realm.Realm) error {
	var expiresAt int64
	if !r.ExpiresAt.IsZero() {
		expiresAt = r.ExpiresAt.Unix()
	}
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO realms (realm_id, name, expires_at, status, public_key_b64, key_id) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(realm_id) DO UPDATE SET name=excluded.name, expires_at=excluded.expires_at,
		 status=excluded.status, public_key_b64=excluded.public_key_b64, key_id=excluded.key_id`,
		r.RealmID, r.Name, expiresAt, string(r.Status), r.PublicKeyB64, r.KeyID)
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "upserting realm row"))
	}
	return nil
}

func (s *RealmStore) deleteRealmRow(ctx context.Context, realmID uint32) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM realms WHERE realm_id = ?`, realmID); err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "deleting realm row"))
	}
	return nil
}

func (s *RealmStore) getRealmRow(ctx context.Context, realmID uint32) (realm.Realm, bool, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT realm_id, name, expires_at, status, public_key_b64, key_id FROM realms WHERE realm_id = ?`, realmID)
	r, err := scanRealmRow(row)
	if err == sql.ErrNoRows {
		return realm.Realm{}, false, nil
	}
	if err != nil {
		return realm.Realm{}, false, err
	}
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRealmRow(row rowScanner) (realm.Realm, error) {
	var r realm.Realm
	var expiresAt int64
	var status string
	if err := row.Scan(&r.RealmID, &r.Name, &expiresAt, &status, &r.PublicKeyB64, &r.KeyID); err != nil {
		if err == sql.ErrNoRows {
			return realm.Realm{}, err
		}
		return realm.Realm{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "scanning realm row"))
	}
	r.Status = realm.Status(status)
	if expiresAt > 0 {
		r.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return r, nil
}

func (s *RealmStore) persistSidecar(ctx context.Context, realmID uint32, meta Metadata) error {
	useServersJSON, err := json.Marshal(meta.UseServers)
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "marshaling use_servers"))
	}
	kv := map[string]string{
		SidecarEnabled:    strconv.FormatBool(meta.Enabled),
		SidecarUseServers: string(useServersJSON),
		SidecarVersion:    strconv.FormatUint(meta.Version, 10),
	}
	for key, value := range kv {
		_, err := s.db.conn.ExecContext(ctx,
			`INSERT INTO realm_sidecar (realm_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(realm_id, key) DO UPDATE SET value=excluded.value`,
			realmID, key, value)
		if err != nil {
			return errkind.Wrap(errkind.Storage, trace.Wrap(err, "upserting realm sidecar key %q", key))
		}
	}
	return nil
}

// loadSidecar reads every sidecar key for realmID, degrading missing or
// corrupt values to DefaultMetadata()'s fields individually rather than
// failing the whole read (spec.md §4.5).
func (s *RealmStore) loadSidecar(ctx context.Context, realmID uint32) (Metadata, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT key, value FROM realm_sidecar WHERE realm_id = ?`, realmID)
	if err != nil {
		return Metadata{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "loading realm sidecar"))
	}
	defer rows.Close()

	raw := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Metadata{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "scanning realm sidecar row"))
		}
		raw[k] = v
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, errkind.Wrap(errkind.Storage, trace.Wrap(err, "iterating realm sidecar"))
	}

	meta := DefaultMetadata()
	if v, ok := raw[SidecarEnabled]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			meta.Enabled = b
		} else {
			log.WithField("realm_id", realmID).Warn("store: corrupt realm.enabled, defaulting to true")
		}
	}
	if v, ok := raw[SidecarUseServers]; ok {
		var servers []string
		if err := json.Unmarshal([]byte(v), &servers); err == nil {
			meta.UseServers = servers
		} else {
			log.WithField("realm_id", realmID).Warn("store: corrupt realm.use_servers, defaulting to empty")
		}
	}
	if v, ok := raw[SidecarVersion]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			meta.Version = n
		} else {
			log.WithField("realm_id", realmID).Warn("store: corrupt realm.version, defaulting to 0")
		}
	}
	return meta, nil
}
