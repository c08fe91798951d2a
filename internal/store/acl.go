package store

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/realm"
)

// ACLStore persists actor-type discovery rules, implementing
// realm.ACLStore over the shared database. Evaluation itself is always
// delegated to realm.EvaluateRules so the deny-shadows-allow semantics
// live in exactly one place.
type ACLStore struct {
	db *DB
}

// NewACLStore constructs an ACLStore over db.
func NewACLStore(db *DB) *ACLStore {
	return &ACLStore{db: db}
}

// PutRule inserts or replaces one discovery rule.
func (s *ACLStore) PutRule(ctx context.Context, rule realm.ACLRule) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO acl_rules (realm_id, from_manufacturer, from_name, to_manufacturer, to_name, permission)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(realm_id, from_manufacturer, from_name, to_manufacturer, to_name)
		 DO UPDATE SET permission=excluded.permission`,
		rule.RealmID, rule.FromType.Manufacturer, rule.FromType.Name,
		rule.ToType.Manufacturer, rule.ToType.Name, string(rule.Permission))
	if err != nil {
		return errkind.Wrap(errkind.Storage, trace.Wrap(err, "upserting acl rule"))
	}
	return nil
}

// CanDiscover answers the can_discover predicate for (from, to) within
// realmID.
func (s *ACLStore) CanDiscover(ctx context.Context, realmID uint32, from, to realm.ActrType) (bool, error) {
	rules, err := s.RulesForRealm(ctx, realmID)
	if err != nil {
		return false, err
	}
	return realm.EvaluateRules(rules, from, to), nil
}

// RulesForRealm returns every rule persisted under realmID.
func (s *ACLStore) RulesForRealm(ctx context.Context, realmID uint32) ([]realm.ACLRule, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT from_manufacturer, from_name, to_manufacturer, to_name, permission FROM acl_rules WHERE realm_id = ?`,
		realmID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "querying acl rules"))
	}
	defer rows.Close()

	var out []realm.ACLRule
	for rows.Next() {
		var fromM, fromN, toM, toN, permission string
		if err := rows.Scan(&fromM, &fromN, &toM, &toN, &permission); err != nil {
			return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "scanning acl rule"))
		}
		out = append(out, realm.ACLRule{
			RealmID:    realmID,
			FromType:   realm.ActrType{Manufacturer: fromM, Name: fromN},
			ToType:     realm.ActrType{Manufacturer: toM, Name: toN},
			Permission: realm.Permission(permission),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Storage, trace.Wrap(err, "iterating acl rules"))
	}
	return out, nil
}
