// Package registry implements the signaling server's service registry:
// the in-memory, mutex-guarded source of truth for actor presence and
// routing, mirrored best-effort to disk so a reconnect within the
// mirror's TTL can rehydrate without waiting for a fresh heartbeat.
//
// Registry keeps a single map keyed by ActrId, guarded by one mutex.
// The clients map and ActrId index covered by spec.md §5's "clients ok,
// index stale" invariant belong to signaling/hub, not to this package.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/signaling/loadbalancer"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "signaling/registry")

// DefaultHeartbeatExpiry is how long a registered service is kept live
// in memory after its last heartbeat before eviction.
const DefaultHeartbeatExpiry = 5 * time.Minute

// DefaultMirrorTTL is how long an evicted entry's at-rest mirror
// remains available for a reconnect rehydrate.
const DefaultMirrorTTL = time.Hour

// ServiceSpec is the fingerprint + protobuf descriptor bundle an actor
// advertises at registration.
type ServiceSpec struct {
	Fingerprint string
	Descriptors []byte
}

// Entry is one registered actor's full registry record.
type Entry struct {
	ActrID       realm.ActrID
	ServiceName  string
	MessageTypes []string
	Spec         *ServiceSpec
	ACL          []realm.ACLRule

	LastHeartbeat time.Time

	AvailabilityState    *loadbalancer.HealthState
	WorstDependencyState *loadbalancer.HealthState
	PowerReserve         *float64
	MailboxBacklog       *int64
	Location             *loadbalancer.Coordinates
	StickyClientIDs      map[string]struct{}

	CompatibilityScore *float64
}

func (e Entry) clone() Entry {
	c := e
	if e.MessageTypes != nil {
		c.MessageTypes = append([]string(nil), e.MessageTypes...)
	}
	if e.ACL != nil {
		c.ACL = append([]realm.ACLRule(nil), e.ACL...)
	}
	if e.StickyClientIDs != nil {
		m := make(map[string]struct{}, len(e.StickyClientIDs))
		for k := range e.StickyClientIDs {
			m[k] = struct{}{}
		}
		c.StickyClientIDs = m
	}
	return c
}

// Mirror is the narrow at-rest persistence surface the registry writes
// through to, best-effort and never on the request hot path (spec.md
// §4.3's disk-mirror supplement): mutations are fired into a goroutine
// and a failed write is logged, never propagated.
type Mirror interface {
	Put(ctx context.Context, e Entry, ttl time.Duration) error
	Get(ctx context.Context, id realm.ActrID) (Entry, bool, error)
	Delete(ctx context.Context, id realm.ActrID) error
}

// Registry is the in-memory service registry.
type Registry struct {
	clock           clockwork.Clock
	mirror          Mirror
	heartbeatExpiry time.Duration
	mirrorTTL       time.Duration

	mu      sync.RWMutex
	byActrID map[realm.ActrID]Entry
}

// New constructs a Registry. heartbeatExpiry/mirrorTTL default when zero.
func New(clock clockwork.Clock, mirror Mirror, heartbeatExpiry, mirrorTTL time.Duration) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if heartbeatExpiry <= 0 {
		heartbeatExpiry = DefaultHeartbeatExpiry
	}
	if mirrorTTL <= 0 {
		mirrorTTL = DefaultMirrorTTL
	}
	return &Registry{
		clock:           clock,
		mirror:          mirror,
		heartbeatExpiry: heartbeatExpiry,
		mirrorTTL:       mirrorTTL,
		byActrID:        make(map[realm.ActrID]Entry),
	}
}

// Register inserts or replaces e, stamping LastHeartbeat to now, then
// mirrors it to disk on a background goroutine.
func (r *Registry) Register(e Entry) {
	e.LastHeartbeat = r.clock.Now()
	r.mu.Lock()
	r.byActrID[e.ActrID] = e.clone()
	r.mu.Unlock()
	r.writeThrough(e)
}

// Remove deletes the in-memory entry for id; the disk mirror is
// retained so a reconnect within its TTL can still rehydrate.
func (r *Registry) Remove(id realm.ActrID) {
	r.mu.Lock()
	delete(r.byActrID, id)
	r.mu.Unlock()
}

// Get returns the live entry for id, or ok=false if it is not (or no
// longer) present in memory.
func (r *Registry) Get(id realm.ActrID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byActrID[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Rehydrate attempts to reload id from the disk mirror into memory,
// used when a heartbeat arrives for an ActrId with no in-memory record
// (spec.md §4.3 "Heartbeat & registry eviction").
func (r *Registry) Rehydrate(ctx context.Context, id realm.ActrID) (Entry, bool) {
	if r.mirror == nil {
		return Entry{}, false
	}
	e, ok, err := r.mirror.Get(ctx, id)
	if err != nil {
		log.WithError(err).WithField("actr_id", id).Warn("registry: rehydrate read failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	r.mu.Lock()
	r.byActrID[id] = e.clone()
	r.mu.Unlock()
	return e, true
}

// Heartbeat updates load metrics for id and refreshes LastHeartbeat,
// rehydrating from disk first if id has no in-memory record. It
// reports false if id is unknown even after a rehydrate attempt.
func (r *Registry) Heartbeat(ctx context.Context, id realm.ActrID, availability, dependency *loadbalancer.HealthState, power *float64, backlog *int64) bool {
	r.mu.Lock()
	e, ok := r.byActrID[id]
	r.mu.Unlock()
	if !ok {
		rehydrated, found := r.Rehydrate(ctx, id)
		if !found {
			return false
		}
		e = rehydrated
	}

	e.LastHeartbeat = r.clock.Now()
	if availability != nil {
		e.AvailabilityState = availability
	}
	if dependency != nil {
		e.WorstDependencyState = dependency
	}
	if power != nil {
		e.PowerReserve = power
	}
	if backlog != nil {
		e.MailboxBacklog = backlog
	}

	r.mu.Lock()
	r.byActrID[id] = e.clone()
	r.mu.Unlock()
	r.writeThrough(e)
	return true
}

// List returns a snapshot of every in-memory entry, optionally filtered
// by manufacturer.
func (r *Registry) List(manufacturer string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byActrID))
	for _, e := range r.byActrID {
		if manufacturer != "" && e.ActrID.Type.Manufacturer != manufacturer {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// ListByType returns a snapshot of every in-memory entry matching t.
func (r *Registry) ListByType(t realm.ActrType) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range r.byActrID {
		if e.ActrID.Type == t {
			out = append(out, e.clone())
		}
	}
	return out
}

// EvictStale removes every in-memory entry whose last heartbeat is
// older than heartbeatExpiry, returning the evicted ActrIds. The disk
// mirror is untouched (it has its own independent TTL).
func (r *Registry) EvictStale() []realm.ActrID {
	cutoff := r.clock.Now().Add(-r.heartbeatExpiry)
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []realm.ActrID
	for id, e := range r.byActrID {
		if e.LastHeartbeat.Before(cutoff) {
			delete(r.byActrID, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *Registry) writeThrough(e Entry) {
	if r.mirror == nil {
		return
	}
	mirror := r.mirror
	ttl := r.mirrorTTL
	go func() {
		if err := mirror.Put(context.Background(), e, ttl); err != nil {
			log.WithError(err).WithField("actr_id", e.ActrID).Warn("registry: disk mirror write failed")
		}
	}()
}
