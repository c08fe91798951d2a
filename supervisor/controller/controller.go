// Package controller implements the controller side of the Supervisor
// protocol's agent->controller direction: RegisterNode, Report and
// HealthCheck, each nonce-auth gated exactly as ks.Service gates its own
// RPCs, plus the join-token bootstrap that hands a freshly-enrolling
// node its shared secret (spec.md §4.5's supplemented bootstrap,
// grounded on lib/auth/join.go's RegisterUsingToken).
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/metrics"
	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/supervisor"
	"github.com/actrix-rtc/actrixd/supervisor/jointoken"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "supervisor/controller")

var (
	nodesRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "actrixd_supervisor_nodes_registered_total",
		Help: "Number of RegisterNode calls accepted by the controller.",
	})

	prometheusCollectors = []prometheus.Collector{nodesRegisteredTotal}
)

// Config configures a Controller.
type Config struct {
	Verifier     *nonceauth.Verifier
	JoinTokens   *jointoken.Store
	SharedSecret []byte
	Clock        clockwork.Clock

	// HeartbeatIntervalSecs is returned to every node on RegisterNode.
	HeartbeatIntervalSecs int64
	// ReportIntervalSecs is the baseline suggested on every Report
	// reply; a controller may lower it under load (not yet modeled).
	ReportIntervalSecs int64
}

// CheckAndSetDefaults validates cfg and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Verifier == nil {
		return errkind.New(errkind.Configuration, "controller: nonce-auth verifier is required")
	}
	if len(c.SharedSecret) < 32 {
		return errkind.New(errkind.Configuration, "controller: shared secret must be at least 32 bytes")
	}
	if c.JoinTokens == nil {
		c.JoinTokens = jointoken.New(c.Clock)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HeartbeatIntervalSecs <= 0 {
		c.HeartbeatIntervalSecs = 30
	}
	if c.ReportIntervalSecs <= 0 {
		c.ReportIntervalSecs = 60
	}
	return nil
}

// nodeRecord is what the controller remembers about a registered node.
type nodeRecord struct {
	Name             string
	LocationTag      string
	Version          string
	AgentAddr        string
	RegisteredAt     time.Time
	LastReportAt     time.Time
	RealmSyncVersion uint64
}

// Controller is the SupervisorService implementation (agent->controller
// direction).
type Controller struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]nodeRecord
}

// New constructs a Controller.
func New(cfg Config) (*Controller, error) {
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, nodes: make(map[string]nodeRecord)}, nil
}

// IssueJoinToken mints a join token an operator hands to a new node
// out of band, valid for ttl.
func (c *Controller) IssueJoinToken(ctx context.Context, ttl time.Duration) (string, error) {
	return c.cfg.JoinTokens.Issue(ctx, ttl)
}

// Bootstrap redeems a single-use join token and, on success, returns the
// long-lived shared secret a node uses to sign every subsequent
// nonce-auth credential. The token is spent even if the caller never
// uses the secret (matches a provisioning token's one-shot semantics).
func (c *Controller) Bootstrap(ctx context.Context, token string) ([]byte, error) {
	if err := c.cfg.JoinTokens.Redeem(ctx, token); err != nil {
		return nil, err
	}
	return c.cfg.SharedSecret, nil
}

// RegisterNode authenticates req against the canonical register payload
// and records the node, returning the heartbeat interval it should honor.
func (c *Controller) RegisterNode(ctx context.Context, req supervisor.RegisterNodeRequest) (supervisor.RegisterNodeResult, error) {
	if err := c.cfg.Verifier.Verify(ctx, supervisor.RegisterNodePayload(req), req.Credential); err != nil {
		return supervisor.RegisterNodeResult{}, err
	}

	now := c.cfg.Clock.Now()
	c.mu.Lock()
	c.nodes[req.NodeID] = nodeRecord{
		Name:         req.Name,
		LocationTag:  req.LocationTag,
		Version:      req.Version,
		AgentAddr:    req.AgentAddr,
		RegisteredAt: now,
		LastReportAt: now,
	}
	c.mu.Unlock()

	nodesRegisteredTotal.Inc()
	log.WithField("node_id", req.NodeID).WithField("agent_addr", req.AgentAddr).Info("controller: node registered")

	return supervisor.RegisterNodeResult{HeartbeatIntervalSecs: c.cfg.HeartbeatIntervalSecs}, nil
}

// Report authenticates req against the canonical report payload, updates
// the node's bookkeeping, and returns the interval the agent must use
// for its next tick.
func (c *Controller) Report(ctx context.Context, req supervisor.ReportRequest) (supervisor.ReportResult, error) {
	if err := c.cfg.Verifier.Verify(ctx, supervisor.ReportPayload(req.NodeID, req.Timestamp), req.Credential); err != nil {
		return supervisor.ReportResult{}, err
	}

	c.mu.Lock()
	rec, ok := c.nodes[req.NodeID]
	if !ok {
		rec = nodeRecord{Name: req.Name, LocationTag: req.LocationTag, Version: req.Version}
	}
	rec.LastReportAt = c.cfg.Clock.Now()
	rec.RealmSyncVersion = req.RealmSyncVersion
	c.nodes[req.NodeID] = rec
	c.mu.Unlock()

	return supervisor.ReportResult{NextReportIntervalSecs: c.cfg.ReportIntervalSecs}, nil
}

// HealthCheck authenticates req against the canonical health_check
// payload and reports round-trip latency from the controller's clock.
func (c *Controller) HealthCheck(ctx context.Context, req supervisor.HealthCheckRequest) (supervisor.HealthCheckResult, error) {
	start := c.cfg.Clock.Now()
	if err := c.cfg.Verifier.Verify(ctx, supervisor.HealthCheckPayload(req.NodeID), req.Credential); err != nil {
		return supervisor.HealthCheckResult{}, err
	}
	latency := c.cfg.Clock.Now().Sub(start)
	return supervisor.HealthCheckResult{LatencyMs: latency.Milliseconds()}, nil
}

// NodeSeen reports whether nodeID has ever successfully registered, and
// when it last reported in.
func (c *Controller) NodeSeen(nodeID string) (lastReportAt time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.nodes[nodeID]
	return rec.LastReportAt, ok
}
