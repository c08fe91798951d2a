// Package realm defines the identifiers and identity primitives shared
// across KS, AIS, signaling and supervisor: realms, actor types, actor
// identifiers and the discovery ACL predicate over them.
package realm

import (
	"fmt"
	"time"
)

// Status is a realm's administrative status.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Realm is a namespace identified by a 32-bit id. ExpiresAt zero means
// "never expires".
type Realm struct {
	RealmID   uint32
	Name      string
	ExpiresAt time.Time
	Status    Status
	// PublicKeyB64 and KeyID support legacy compatibility paths that
	// pin a realm to a specific KS key rather than using the live one.
	PublicKeyB64 string
	KeyID        uint32
}

// ValidForUse reports whether the realm may be used at now: active and
// either unexpired or with no expiry set.
func (r Realm) ValidForUse(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// ActrType names an actor's manufacturer and model, e.g. {"acme", "worker"}.
type ActrType struct {
	Manufacturer string
	Name         string
}

// String renders the canonical "manufacturer:name" form used in ACL rows.
func (t ActrType) String() string {
	return fmt.Sprintf("%s:%s", t.Manufacturer, t.Name)
}

// ActrID is the triple (realm, serial, type) identifying one actor.
// Equality is structural across all three fields.
type ActrID struct {
	RealmID uint32
	Serial  uint64
	Type    ActrType
}

// Equal reports structural equality between two ActrIDs.
func (a ActrID) Equal(b ActrID) bool {
	return a.RealmID == b.RealmID && a.Serial == b.Serial && a.Type == b.Type
}

// String renders a stable textual form, useful for map keys and logs.
func (a ActrID) String() string {
	return fmt.Sprintf("%d/%d/%s", a.RealmID, a.Serial, a.Type)
}

// Less defines the stable total order over ActrIDs used for role
// arbitration: tuple (realm_id, serial, manufacturer, name).
func (a ActrID) Less(b ActrID) bool {
	if a.RealmID != b.RealmID {
		return a.RealmID < b.RealmID
	}
	if a.Serial != b.Serial {
		return a.Serial < b.Serial
	}
	if a.Type.Manufacturer != b.Type.Manufacturer {
		return a.Type.Manufacturer < b.Type.Manufacturer
	}
	return a.Type.Name < b.Type.Name
}

// Permission is the verdict an ACL rule assigns to a (from, to) pair.
type Permission string

const (
	PermissionAllow Permission = "allow"
	PermissionDeny  Permission = "deny"
)

// ACLRule is a persisted actor-type discovery rule: within realm_id,
// whether from_type may discover to_type.
type ACLRule struct {
	RealmID    uint32
	FromType   ActrType
	ToType     ActrType
	Permission Permission
}
