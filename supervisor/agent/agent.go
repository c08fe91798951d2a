// Package agent implements the agent side of the Supervisor protocol's
// controller->agent direction (the "supervised service" of spec.md
// §4.5): config push/pull, realm CRUD against the node's locally-owned
// realm table, node-info reporting, and shutdown, each nonce-auth gated
// the same way controller.Controller gates the opposite direction.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/internal/store"
	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/supervisor"
)

var log = logrus.WithField(logrus.FieldKeyFunc, "supervisor/agent")

// ShutdownFunc is an optional hook invoked on a Shutdown RPC. When nil,
// Shutdown still replies accepted=true with an estimate (spec.md §4.5:
// "the handler is allowed to be registered or absent").
type ShutdownFunc func(ctx context.Context, graceful bool, timeoutSecs *int64, reason string) error

// MetricsFunc supplies the node's current resource snapshot for
// GetNodeInfo.
type MetricsFunc func(ctx context.Context) (supervisor.SystemMetrics, error)

// ServiceStatusFunc supplies the node's locally-hosted service statuses
// for GetNodeInfo.
type ServiceStatusFunc func(ctx context.Context) ([]supervisor.ServiceStatus, error)

// Config configures an Agent.
type Config struct {
	Verifier *nonceauth.Verifier
	Realms   *store.RealmStore
	Clock    clockwork.Clock

	NodeID      string
	Name        string
	Version     string
	LocationTag string

	Metrics         MetricsFunc
	ServiceStatuses ServiceStatusFunc
	ShutdownHandler ShutdownFunc
}

// CheckAndSetDefaults validates cfg and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Verifier == nil {
		return errkind.New(errkind.Configuration, "agent: nonce-auth verifier is required")
	}
	if c.Realms == nil {
		return errkind.New(errkind.Configuration, "agent: realm store is required")
	}
	if c.NodeID == "" {
		return errkind.New(errkind.Configuration, "agent: node id is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = func(context.Context) (supervisor.SystemMetrics, error) { return supervisor.SystemMetrics{}, nil }
	}
	if c.ServiceStatuses == nil {
		c.ServiceStatuses = func(context.Context) ([]supervisor.ServiceStatus, error) { return nil, nil }
	}
	return nil
}

type configKey struct{ configType, key string }

// Agent is the SupervisedService implementation (controller->agent
// direction) hosted on each node.
type Agent struct {
	cfg Config

	startedAt time.Time

	mu     sync.RWMutex
	config map[configKey]string
}

// New constructs an Agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg, startedAt: cfg.Clock.Now(), config: make(map[configKey]string)}, nil
}

// UpdateConfig stores a value in the node's generic config table,
// returning whatever value it is replacing, if any.
func (a *Agent) UpdateConfig(ctx context.Context, req supervisor.UpdateConfigRequest) (supervisor.UpdateConfigResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.UpdateConfigPayload(req.NodeID, req.ConfigType, req.ConfigKey), req.Credential); err != nil {
		return supervisor.UpdateConfigResult{}, err
	}

	key := configKey{req.ConfigType, req.ConfigKey}
	a.mu.Lock()
	old, had := a.config[key]
	a.config[key] = req.ConfigValue
	a.mu.Unlock()

	result := supervisor.UpdateConfigResult{Success: true}
	if had {
		result.OldValue = &old
	}
	return result, nil
}

// GetConfig reads back a value previously pushed by UpdateConfig.
func (a *Agent) GetConfig(ctx context.Context, req supervisor.GetConfigRequest) (supervisor.GetConfigResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.GetConfigPayload(req.NodeID, req.ConfigType, req.ConfigKey), req.Credential); err != nil {
		return supervisor.GetConfigResult{}, err
	}

	a.mu.RLock()
	value, ok := a.config[configKey{req.ConfigType, req.ConfigKey}]
	a.mu.RUnlock()

	if !ok {
		return supervisor.GetConfigResult{Success: false, ErrorMessage: "config not found"}, nil
	}
	return supervisor.GetConfigResult{Success: true, ConfigValue: &value}, nil
}

// CreateRealm persists a new realm row plus its sidecar config keys.
func (a *Agent) CreateRealm(ctx context.Context, req supervisor.CreateRealmRequest) (supervisor.CreateRealmResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.CreateRealmPayload(req.NodeID, req.RealmID), req.Credential); err != nil {
		return supervisor.CreateRealmResult{}, err
	}

	r := realm.Realm{
		RealmID:      req.RealmID,
		Name:         req.Name,
		ExpiresAt:    req.ExpiresAt,
		Status:       realm.StatusActive,
		PublicKeyB64: req.PublicKeyB64,
		KeyID:        req.KeyID,
	}
	meta := store.Metadata{Enabled: req.Enabled, UseServers: req.UseServers, Version: req.Version}

	rec, err := a.cfg.Realms.Create(ctx, r, meta)
	if err != nil {
		return supervisor.CreateRealmResult{Success: false, ErrorMessage: fmt.Sprintf("failed to create realm: %s", errkind.Hint(err))}, nil
	}

	info := toRealmInfo(rec)
	return supervisor.CreateRealmResult{Success: true, Realm: &info}, nil
}

// GetRealm reads one realm back.
func (a *Agent) GetRealm(ctx context.Context, req supervisor.GetRealmRequest) (supervisor.GetRealmResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.GetRealmPayload(req.NodeID, req.RealmID), req.Credential); err != nil {
		return supervisor.GetRealmResult{}, err
	}

	rec, ok, err := a.cfg.Realms.Get(ctx, req.RealmID)
	if err != nil {
		return supervisor.GetRealmResult{}, err
	}
	if !ok {
		return supervisor.GetRealmResult{Success: false, ErrorMessage: "realm not found"}, nil
	}

	info := toRealmInfo(rec)
	return supervisor.GetRealmResult{Success: true, Realm: &info}, nil
}

// UpdateRealm patches a realm's name/enabled fields, reverting both the
// row and the sidecar keys on a metadata persistence failure.
func (a *Agent) UpdateRealm(ctx context.Context, req supervisor.UpdateRealmRequest) (supervisor.UpdateRealmResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.UpdateRealmPayload(req.NodeID, req.RealmID), req.Credential); err != nil {
		return supervisor.UpdateRealmResult{}, err
	}

	current, ok, err := a.cfg.Realms.Get(ctx, req.RealmID)
	if err != nil {
		return supervisor.UpdateRealmResult{}, err
	}
	if !ok {
		return supervisor.UpdateRealmResult{Success: false, ErrorMessage: "realm not found"}, nil
	}

	updated := current.Realm
	updatedMeta := current.Metadata
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.Enabled != nil {
		updatedMeta.Enabled = *req.Enabled
	}

	rec, err := a.cfg.Realms.Update(ctx, updated, updatedMeta)
	if err != nil {
		return supervisor.UpdateRealmResult{Success: false, ErrorMessage: fmt.Sprintf("failed to update realm: %s", errkind.Hint(err))}, nil
	}

	info := toRealmInfo(rec)
	return supervisor.UpdateRealmResult{Success: true, Realm: &info}, nil
}

// DeleteRealm removes a realm row and every sidecar key under it.
func (a *Agent) DeleteRealm(ctx context.Context, req supervisor.DeleteRealmRequest) (supervisor.DeleteRealmResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.DeleteRealmPayload(req.NodeID, req.RealmID), req.Credential); err != nil {
		return supervisor.DeleteRealmResult{}, err
	}

	_, ok, err := a.cfg.Realms.Get(ctx, req.RealmID)
	if err != nil {
		return supervisor.DeleteRealmResult{}, err
	}
	if !ok {
		return supervisor.DeleteRealmResult{Success: false, ErrorMessage: "realm not found"}, nil
	}

	if err := a.cfg.Realms.Delete(ctx, req.RealmID); err != nil {
		return supervisor.DeleteRealmResult{Success: false, ErrorMessage: fmt.Sprintf("failed to delete realm: %s", errkind.Hint(err))}, nil
	}
	return supervisor.DeleteRealmResult{Success: true}, nil
}

// ListRealms enumerates every realm this node hosts.
func (a *Agent) ListRealms(ctx context.Context, req supervisor.ListRealmsRequest) (supervisor.ListRealmsResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.ListRealmsPayload(req.NodeID), req.Credential); err != nil {
		return supervisor.ListRealmsResult{}, err
	}

	recs, err := a.cfg.Realms.List(ctx)
	if err != nil {
		return supervisor.ListRealmsResult{}, err
	}

	infos := make([]supervisor.RealmInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, toRealmInfo(rec))
	}
	return supervisor.ListRealmsResult{Success: true, Realms: infos}, nil
}

// GetNodeInfo reports the node's identity, uptime and current health.
func (a *Agent) GetNodeInfo(ctx context.Context, req supervisor.GetNodeInfoRequest) (supervisor.GetNodeInfoResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.GetNodeInfoPayload(req.NodeID), req.Credential); err != nil {
		return supervisor.GetNodeInfoResult{}, err
	}

	metrics, err := a.cfg.Metrics(ctx)
	if err != nil {
		return supervisor.GetNodeInfoResult{}, errkind.Wrap(errkind.ServiceUnavailable, err)
	}
	services, err := a.cfg.ServiceStatuses(ctx)
	if err != nil {
		return supervisor.GetNodeInfoResult{}, errkind.Wrap(errkind.ServiceUnavailable, err)
	}

	return supervisor.GetNodeInfoResult{
		Success:        true,
		NodeID:         a.cfg.NodeID,
		Name:           a.cfg.Name,
		Version:        a.cfg.Version,
		LocationTag:    a.cfg.LocationTag,
		UptimeSecs:     int64(a.cfg.Clock.Now().Sub(a.startedAt).Seconds()),
		CurrentMetrics: metrics,
		Services:       services,
	}, nil
}

// Shutdown invokes the registered shutdown handler, if any, and reports
// whether the node accepted the request along with an estimated
// completion time (spec.md §4.5's shutdown semantics).
func (a *Agent) Shutdown(ctx context.Context, req supervisor.ShutdownRequest) (supervisor.ShutdownResult, error) {
	if err := a.cfg.Verifier.Verify(ctx, supervisor.ShutdownPayload(req.NodeID), req.Credential); err != nil {
		return supervisor.ShutdownResult{}, err
	}

	if a.cfg.ShutdownHandler != nil {
		if err := a.cfg.ShutdownHandler(ctx, req.Graceful, req.TimeoutSecs, req.Reason); err != nil {
			return supervisor.ShutdownResult{Accepted: false, ErrorMessage: fmt.Sprintf("shutdown handler failed: %s", err)}, nil
		}
	} else {
		log.Warn("agent: shutdown requested but no handler registered")
	}

	now := a.cfg.Clock.Now().Unix()
	var estimated *int64
	if req.Graceful {
		if req.TimeoutSecs != nil {
			v := now + *req.TimeoutSecs
			estimated = &v
		}
	} else {
		estimated = &now
	}

	return supervisor.ShutdownResult{Accepted: true, EstimatedShutdownTime: estimated}, nil
}

func toRealmInfo(rec store.RealmRecord) supervisor.RealmInfo {
	return supervisor.RealmInfo{
		RealmID:      rec.Realm.RealmID,
		Name:         rec.Realm.Name,
		ExpiresAt:    rec.Realm.ExpiresAt,
		Status:       string(rec.Realm.Status),
		PublicKeyB64: rec.Realm.PublicKeyB64,
		KeyID:        rec.Realm.KeyID,
		Enabled:      rec.Metadata.Enabled,
		UseServers:   rec.Metadata.UseServers,
		Version:      rec.Metadata.Version,
	}
}
