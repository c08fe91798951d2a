// Package hub implements the signaling server's connection lifecycle
// and envelope dispatch: WebSocket accept, registration, authenticated
// actor messages, inter-actor relay with role arbitration, and presence
// fan-out, exactly as spec.md §4.3 describes.
package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/ais/issuer"
	aisvalidator "github.com/actrix-rtc/actrixd/ais/validator"
	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/metrics"
	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/signaling/compat"
	"github.com/actrix-rtc/actrixd/signaling/envelope"
	"github.com/actrix-rtc/actrixd/signaling/loadbalancer"
	"github.com/actrix-rtc/actrixd/signaling/presence"
	"github.com/actrix-rtc/actrixd/signaling/ratelimit"
	"github.com/actrix-rtc/actrixd/signaling/registry"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "signaling/hub")

var (
	connectionsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "actrixd_signaling_connections_accepted_total",
		Help: "Number of WebSocket connections accepted by the signaling server.",
	})

	prometheusCollectors = []prometheus.Collector{connectionsAcceptedTotal}
)

// RealmLookup is the narrow surface the hub needs from Supervisor's
// locally-owned realm table.
type RealmLookup interface {
	Get(ctx context.Context, realmID uint32) (realm.Realm, bool, error)
}

// ACLStore is the narrow surface the hub needs from realm.ACLStore.
type ACLStore interface {
	PutRule(ctx context.Context, rule realm.ACLRule) error
	CanDiscover(ctx context.Context, realmID uint32, from, to realm.ActrType) (bool, error)
}

// Issuer is the narrow surface the hub needs from ais/issuer.Issuer.
type Issuer interface {
	Issue(ctx context.Context, realmID uint32, actrType realm.ActrType) (issuer.RegisterOk, error)
}

// Validator is the narrow surface the hub needs from ais/validator.Validator.
type Validator interface {
	Validate(ctx context.Context, credential issuer.Credential, expectedRealm uint32) (aisvalidator.Result, error)
}

// Config configures a Hub.
type Config struct {
	Realms    RealmLookup
	ACL       ACLStore
	Issuer    Issuer
	Validator Validator
	Registry  *registry.Registry
	Presence  *presence.Manager
	Compat    *compat.Cache
	Clock     clockwork.Clock

	ConnLimiter *ratelimit.PerIPLimiter
	// MessageRPS/MessageBurst parameterize the per-connection message
	// limiter constructed for every new connection.
	MessageRPS   float64
	MessageBurst int

	// PingIntervalSecs is suggested to actors in every Pong as the
	// interval they should heartbeat at.
	PingIntervalSecs int64

	Upgrader websocket.Upgrader
}

func (c *Config) checkAndSetDefaults() error {
	if c.Realms == nil || c.ACL == nil || c.Issuer == nil || c.Validator == nil {
		return errkind.New(errkind.Configuration, "signaling hub: realms, acl, issuer and validator are required")
	}
	if c.Registry == nil {
		return errkind.New(errkind.Configuration, "signaling hub: registry is required")
	}
	if c.Presence == nil {
		c.Presence = presence.New()
	}
	if c.Compat == nil {
		c.Compat = compat.New()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ConnLimiter == nil {
		c.ConnLimiter = ratelimit.NewPerIPLimiter(10, 20)
	}
	if c.MessageRPS <= 0 {
		c.MessageRPS = 50
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 100
	}
	if c.PingIntervalSecs <= 0 {
		c.PingIntervalSecs = 30
	}
	return nil
}

// Hub owns every live connection and the ActrId->clientID bijection
// used to evict a stale connection when the same identity reconnects.
type Hub struct {
	cfg Config

	mu        sync.RWMutex
	clients   map[uuid.UUID]*connection
	byActrID  map[realm.ActrID]uuid.UUID
}

// New constructs a Hub.
func New(cfg Config) (*Hub, error) {
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Hub{
		cfg:      cfg,
		clients:  make(map[uuid.UUID]*connection),
		byActrID: make(map[realm.ActrID]uuid.UUID),
	}, nil
}

// ServeHTTP upgrades r to a WebSocket and runs the connection until it
// closes. It satisfies http.Handler so it can be mounted directly.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	if !h.cfg.ConnLimiter.Allow(ip) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	conn, err := h.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("signaling: websocket upgrade failed")
		return
	}
	h.Serve(r.Context(), conn)
}

// Serve runs one accepted WebSocket connection's reader loop until the
// socket closes, a decode fails, or a handler errors.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	connectionsAcceptedTotal.Inc()
	c := newConnection(conn, ratelimit.NewMessageLimiter(h.cfg.MessageRPS, h.cfg.MessageBurst))

	h.mu.Lock()
	h.clients[c.clientID] = c
	h.mu.Unlock()

	go c.writeLoop()
	defer h.teardown(c)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Warn("signaling: ignoring non-binary websocket frame")
			continue
		}
		if !c.msgLimiter.Allow() {
			h.sendError(c, uuid.Nil, 429, "rate_limited")
			continue
		}

		env, err := envelope.DecodeBinaryMessage(msg)
		if err != nil {
			log.WithError(err).Warn("signaling: failed to decode envelope")
			return
		}
		if err := h.dispatch(ctx, c, env); err != nil {
			log.WithError(err).WithField("flow", env.Flow).Warn("signaling: envelope handler error")
			return
		}
	}
}

func (h *Hub) teardown(c *connection) {
	c.close()

	h.mu.Lock()
	delete(h.clients, c.clientID)
	if id, ok := c.identity(); ok {
		if h.byActrID[id] == c.clientID {
			delete(h.byActrID, id)
		}
	}
	h.mu.Unlock()

	if id, ok := c.identity(); ok {
		h.cfg.Registry.Remove(id)
		h.cfg.Presence.UnsubscribeAll(id)
	}
}

// evictPrior points the ActrId index at c under the hub lock, then
// closes any prior connection registered under id. Only the index
// changes here; the prior connection's clients-map entry is removed by
// its own teardown, which updates both maps under one lock (spec.md §5).
func (h *Hub) evictPrior(id realm.ActrID, c *connection) {
	h.mu.Lock()
	prior, ok := h.byActrID[id]
	h.byActrID[id] = c.clientID
	h.mu.Unlock()

	if ok && prior != c.clientID {
		h.mu.RLock()
		priorConn := h.clients[prior]
		h.mu.RUnlock()
		if priorConn != nil {
			priorConn.close()
		}
	}
}

func (h *Hub) send(c *connection, req envelope.Envelope, flow envelope.FlowKind, messageType string, payload interface{}) {
	env, err := envelope.Reply(req, flow, messageType, payload, h.cfg.Clock.Now())
	if err != nil {
		log.WithError(err).Warn("signaling: failed to build reply envelope")
		return
	}
	msg, err := envelope.EncodeBinaryMessage(env)
	if err != nil {
		log.WithError(err).Warn("signaling: failed to encode reply envelope")
		return
	}
	c.enqueue(msg)
}

func (h *Hub) sendTo(c *connection, flow envelope.FlowKind, messageType string, payload interface{}) {
	env, err := envelope.NewEnvelope(flow, messageType, payload, nil, h.cfg.Clock.Now())
	if err != nil {
		log.WithError(err).Warn("signaling: failed to build server-initiated envelope")
		return
	}
	msg, err := envelope.EncodeBinaryMessage(env)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (h *Hub) sendError(c *connection, replyFor uuid.UUID, code int, hint string) {
	var ref *uuid.UUID
	if replyFor != uuid.Nil {
		ref = &replyFor
	}
	env, err := envelope.NewEnvelope(envelope.FlowEnvelopeError, envelope.MsgTypeEnvelopeError, envelope.EnvelopeError{Code: code, Hint: hint}, ref, h.cfg.Clock.Now())
	if err != nil {
		return
	}
	msg, err := envelope.EncodeBinaryMessage(env)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (h *Hub) dispatch(ctx context.Context, c *connection, env envelope.Envelope) error {
	switch env.Flow {
	case envelope.FlowPeerToServer:
		return h.handlePeerToServer(ctx, c, env)
	case envelope.FlowActrToServer:
		return h.handleActrToServer(ctx, c, env)
	case envelope.FlowActrRelay:
		return h.handleActrRelay(ctx, c, env)
	default:
		h.sendError(c, env.EnvelopeID, 400, string(errkind.Configuration))
		return nil
	}
}

// connForActr returns the live connection for id, if any.
func (h *Hub) connForActr(id realm.ActrID) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clientID, ok := h.byActrID[id]
	if !ok {
		return nil, false
	}
	c, ok := h.clients[clientID]
	return c, ok
}
