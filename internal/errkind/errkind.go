// Package errkind classifies wrapped errors into the domain-level error
// kinds enumerated in the control plane specification (configuration,
// authentication, replay, clock skew, key-not-found, expired, realm
// invalid, ACL denied, cross realm, crypto, storage, rate limited,
// service unavailable) so that RPC and envelope handlers can map a Go
// error back to the wire-level status code without leaking trace's
// stack-annotated message.
package errkind

import (
	"errors"

	"github.com/gravitational/trace"
)

// Kind is one of the domain-level error kinds from the spec's error
// handling design.
type Kind string

const (
	Configuration       Kind = "configuration"
	Authentication      Kind = "authentication"
	Replay              Kind = "replay"
	ClockSkew           Kind = "clock_skew"
	KeyNotFound         Kind = "key_not_found"
	Expired             Kind = "expired"
	RealmInvalid        Kind = "realm_invalid"
	AclDenied           Kind = "acl_denied"
	CrossRealm          Kind = "cross_realm"
	Crypto              Kind = "crypto"
	Storage             Kind = "storage"
	RateLimited         Kind = "rate_limited"
	ServiceUnavailable  Kind = "service_unavailable"
	Unknown             Kind = "unknown"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap annotates err with a domain kind. The original error remains
// reachable through errors.Unwrap/errors.As for logging; only the kind
// and a short hint are ever surfaced on the wire.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// New creates a new kinded error from a message, wrapped with trace so
// callers get a stack trace in logs.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: trace.Errorf(format, args...)}
}

// Of returns the domain kind carried by err, or Unknown if none was
// attached. It unwraps through any number of wrapping layers.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Hint returns a short, operator-facing string safe to place on the wire:
// the kind tag and nothing else. It never includes the wrapped error's
// message, which may carry stack data or internal paths.
func Hint(err error) string {
	return string(Of(err))
}

// HTTPStatus maps a kind to the status code family the spec assigns it.
func HTTPStatus(k Kind) int {
	switch k {
	case Authentication, Replay, ClockSkew, Expired:
		return 401
	case RealmInvalid, AclDenied, CrossRealm:
		return 403
	case KeyNotFound:
		return 404
	case RateLimited:
		return 429
	case Crypto, Storage, ServiceUnavailable:
		return 500
	case Configuration:
		return 500
	default:
		return 500
	}
}
