package realm

import "context"

// ACLStore persists actor-type discovery rules and answers the
// can_discover predicate: true iff a matching allow exists and no deny
// shadows it. Cross-realm traffic is never passed to the store; callers
// must deny it before consulting can_discover.
type ACLStore interface {
	PutRule(ctx context.Context, rule ACLRule) error
	CanDiscover(ctx context.Context, realmID uint32, from, to ActrType) (bool, error)
	RulesForRealm(ctx context.Context, realmID uint32) ([]ACLRule, error)
}

// EvaluateRules implements can_discover over an in-memory rule slice,
// shared by every ACLStore backend so the matching semantics live in
// exactly one place. A deny rule shadows any matching allow rule
// regardless of which was inserted first.
func EvaluateRules(rules []ACLRule, from, to ActrType) bool {
	allowed := false
	for _, r := range rules {
		if r.FromType != from || r.ToType != to {
			continue
		}
		switch r.Permission {
		case PermissionDeny:
			return false
		case PermissionAllow:
			allowed = true
		}
	}
	return allowed
}
