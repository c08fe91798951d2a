package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/supervisor"
	"github.com/actrix-rtc/actrixd/supervisor/agent"
	"github.com/actrix-rtc/actrixd/supervisor/controller"
)

// localSupervisor pairs an in-process controller and agent for a node
// acting as its own supervised service, the same in-process pairing
// localKS uses for KS/AIS: no network hop exists between a node and
// itself, so the agent signs its own nonce-auth credentials with the
// verifier the controller checks them against.
type localSupervisor struct {
	controller *controller.Controller
	agent      *agent.Agent
	verifier   *nonceauth.Verifier
	clock      clockwork.Clock
	nodeID     string
	agentAddr  string
	name       string
	version    string
}

// register signs and sends the node's own RegisterNode call, the first
// RPC a real node would issue right after redeeming its join token.
func (l *localSupervisor) register(ctx context.Context) (supervisor.RegisterNodeResult, error) {
	req := supervisor.RegisterNodeRequest{
		NodeID:      l.nodeID,
		Name:        l.name,
		LocationTag: l.nodeID,
		Version:     l.version,
		AgentAddr:   l.agentAddr,
	}
	req.Credential = l.verifier.Sign(supervisor.RegisterNodePayload(req))
	return l.controller.RegisterNode(ctx, req)
}

// syncSelf exercises the remaining controller->agent RPCs that a real
// remote controller would issue once a node comes up: push the node's
// own version into its config table, read it back, and enumerate the
// realms it currently hosts.
func (l *localSupervisor) syncSelf(ctx context.Context) error {
	updateReq := supervisor.UpdateConfigRequest{NodeID: l.nodeID, ConfigType: "bootstrap", ConfigKey: "version", ConfigValue: l.version}
	updateReq.Credential = l.verifier.Sign(supervisor.UpdateConfigPayload(updateReq.NodeID, updateReq.ConfigType, updateReq.ConfigKey))
	if _, err := l.agent.UpdateConfig(ctx, updateReq); err != nil {
		return err
	}

	getReq := supervisor.GetConfigRequest{NodeID: l.nodeID, ConfigType: "bootstrap", ConfigKey: "version"}
	getReq.Credential = l.verifier.Sign(supervisor.GetConfigPayload(getReq.NodeID, getReq.ConfigType, getReq.ConfigKey))
	if _, err := l.agent.GetConfig(ctx, getReq); err != nil {
		return err
	}

	listReq := supervisor.ListRealmsRequest{NodeID: l.nodeID}
	listReq.Credential = l.verifier.Sign(supervisor.ListRealmsPayload(l.nodeID))
	result, err := l.agent.ListRealms(ctx, listReq)
	if err != nil {
		return err
	}
	log.WithField("realm_count", len(result.Realms)).Info("actrixd: supervisor self-sync found realms")
	return nil
}

// reportOnce pulls the node's current status from the agent side of the
// pairing (GetNodeInfo) and files it with the controller side (Report),
// then probes HealthCheck, returning the interval to wait before the
// next tick.
func (l *localSupervisor) reportOnce(ctx context.Context) (time.Duration, error) {
	infoReq := supervisor.GetNodeInfoRequest{NodeID: l.nodeID}
	infoReq.Credential = l.verifier.Sign(supervisor.GetNodeInfoPayload(l.nodeID))
	info, err := l.agent.GetNodeInfo(ctx, infoReq)
	if err != nil {
		return 0, err
	}

	reportReq := supervisor.ReportRequest{
		NodeID:      l.nodeID,
		Timestamp:   l.clock.Now().Unix(),
		LocationTag: info.LocationTag,
		Version:     info.Version,
		Name:        info.Name,
		Metrics:     info.CurrentMetrics,
		Services:    info.Services,
	}
	reportReq.Credential = l.verifier.Sign(supervisor.ReportPayload(reportReq.NodeID, reportReq.Timestamp))
	reportResult, err := l.controller.Report(ctx, reportReq)
	if err != nil {
		return 0, err
	}

	hcReq := supervisor.HealthCheckRequest{NodeID: l.nodeID}
	hcReq.Credential = l.verifier.Sign(supervisor.HealthCheckPayload(l.nodeID))
	if _, err := l.controller.HealthCheck(ctx, hcReq); err != nil {
		return 0, err
	}

	next := time.Duration(reportResult.NextReportIntervalSecs) * time.Second
	if next <= 0 {
		next = time.Minute
	}
	return next, nil
}

// run ticks reportOnce until ctx is cancelled, honoring whatever
// interval the controller last suggested the way the agent's periodic
// reporting loop is described in spec.md §4.5.
func (l *localSupervisor) run(ctx context.Context, initial time.Duration) {
	interval := initial
	if interval <= 0 {
		interval = time.Minute
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next, err := l.reportOnce(ctx)
			if err != nil {
				log.WithError(err).Warn("actrixd: supervisor report tick failed")
				next = interval
			}
			timer.Reset(next)
		}
	}
}

// shutdown asks the agent side to shut the node down, the same RPC an
// external controller would send; here it is the node shutting itself
// down in response to an operator signal.
func (l *localSupervisor) shutdown(ctx context.Context, reason string) {
	req := supervisor.ShutdownRequest{NodeID: l.nodeID, Graceful: true, Reason: reason}
	req.Credential = l.verifier.Sign(supervisor.ShutdownPayload(l.nodeID))
	result, err := l.agent.Shutdown(ctx, req)
	if err != nil {
		log.WithError(err).Warn("actrixd: supervisor shutdown RPC failed")
		return
	}
	if !result.Accepted {
		log.WithField("reason", result.ErrorMessage).Warn("actrixd: supervisor shutdown request rejected")
	}
}
