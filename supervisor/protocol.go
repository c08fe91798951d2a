// Package supervisor defines the wire types and nonce-auth canonical
// payloads for the bi-directional Supervisor protocol: agent-to-controller
// (RegisterNode, Report, HealthCheck) and controller-to-agent (the
// SupervisedService realm/config/node-info/shutdown methods), exactly
// as spec.md §4.5 enumerates them. Concrete RPC handling lives in the
// controller and agent subpackages; this package holds only the shapes
// both sides agree on, mirroring how ks's Service keeps its payload
// builders next to its request/response types rather than in a separate
// wire package.
package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/actrix-rtc/actrixd/internal/nonceauth"
)

// ServiceTag is one service a node advertises at registration,
// mirroring original_source's ServiceAdvertisement.
type ServiceTag struct {
	Name    string
	Type    string
	Domain  string
	Port    string
	Status  string
	URL     string
	Tags    []string
}

func (s ServiceTag) canonical() string {
	tags := append([]string(nil), s.Tags...)
	sort.Strings(tags)
	return strings.Join([]string{s.Name, s.Type, s.Domain, s.Port, s.Status, s.URL, strings.Join(tags, ",")}, "|")
}

// RegisterNodeRequest is the agent->controller registration call.
type RegisterNodeRequest struct {
	NodeID                string
	Name                  string
	LocationTag           string
	Version               string
	AgentAddr             string
	Location              string
	ServiceTags           []string
	PowerReserveLevelInit *uint32
	Services              []ServiceTag
	Credential            nonceauth.Credential
}

// RegisterNodeResult answers RegisterNodeRequest.
type RegisterNodeResult struct {
	HeartbeatIntervalSecs int64
}

// RegisterFingerprint computes the stable SHA-256 fingerprint over
// req's static registration data: sorted/deduped service tags, sorted
// per-service tuple strings, then node_id/agent_addr/location_tag/
// location/power_level, pipe-joined. Grounded verbatim on
// original_source's build_registration_fingerprint.
func RegisterFingerprint(req RegisterNodeRequest) string {
	tags := uniqueSorted(req.ServiceTags)

	entries := make([]string, 0, len(req.Services))
	for _, svc := range req.Services {
		entries = append(entries, svc.canonical())
	}
	sort.Strings(entries)

	var power uint32
	if req.PowerReserveLevelInit != nil {
		power = *req.PowerReserveLevelInit
	}

	payload := strings.Join([]string{
		req.NodeID,
		req.AgentAddr,
		req.LocationTag,
		req.Location,
		fmt.Sprintf("%d", power),
		strings.Join(tags, ","),
		strings.Join(entries, ";"),
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RegisterNodePayload is the nonce-auth canonical payload for RegisterNode.
func RegisterNodePayload(req RegisterNodeRequest) string {
	return fmt.Sprintf("register:%s:%s", req.NodeID, RegisterFingerprint(req))
}

// ServiceStatus is one service's health as reported in a Report call.
type ServiceStatus struct {
	Name    string
	Healthy bool
}

// SystemMetrics is the node-level resource snapshot carried in Report
// and GetNodeInfo.
type SystemMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// ReportRequest is the agent->controller periodic status report.
type ReportRequest struct {
	NodeID            string
	Timestamp         int64
	LocationTag       string
	Version           string
	Name              string
	PowerReserveLevel uint32
	Metrics           SystemMetrics
	Services          []ServiceStatus
	RealmSyncVersion  uint64
	Credential        nonceauth.Credential
}

// ReportResult answers ReportRequest; the agent MUST honor
// NextReportIntervalSecs for subsequent ticks when it is positive.
type ReportResult struct {
	NextReportIntervalSecs int64
}

// ReportPayload is the nonce-auth canonical payload for Report.
func ReportPayload(nodeID string, timestamp int64) string {
	return fmt.Sprintf("report:%s:%d", nodeID, timestamp)
}

// HealthCheckRequest is the agent->controller liveness probe.
type HealthCheckRequest struct {
	NodeID     string
	Credential nonceauth.Credential
}

// HealthCheckResult answers HealthCheckRequest.
type HealthCheckResult struct {
	LatencyMs int64
}

// HealthCheckPayload is the nonce-auth canonical payload for HealthCheck.
func HealthCheckPayload(nodeID string) string {
	return fmt.Sprintf("health_check:%s", nodeID)
}

// RealmInfo is the wire shape of a realm plus its sidecar metadata,
// returned by every controller->agent realm RPC.
type RealmInfo struct {
	RealmID      uint32
	Name         string
	ExpiresAt    time.Time
	Status       string
	PublicKeyB64 string
	KeyID        uint32
	Enabled      bool
	UseServers   []string
	Version      uint64
}

// UpdateConfigRequest is a controller->agent generic config push.
type UpdateConfigRequest struct {
	NodeID      string
	ConfigType  string
	ConfigKey   string
	ConfigValue string
	Credential  nonceauth.Credential
}

// UpdateConfigResult answers UpdateConfigRequest.
type UpdateConfigResult struct {
	Success      bool
	ErrorMessage string
	OldValue     *string
}

// UpdateConfigPayload is the nonce-auth canonical payload for UpdateConfig.
func UpdateConfigPayload(nodeID, configType, configKey string) string {
	return fmt.Sprintf("update_config:%s:%s:%s", nodeID, configType, configKey)
}

// GetConfigRequest reads back a previously pushed config value.
type GetConfigRequest struct {
	NodeID     string
	ConfigType string
	ConfigKey  string
	Credential nonceauth.Credential
}

// GetConfigResult answers GetConfigRequest.
type GetConfigResult struct {
	Success      bool
	ErrorMessage string
	ConfigValue  *string
}

// GetConfigPayload is the nonce-auth canonical payload for GetConfig.
func GetConfigPayload(nodeID, configType, configKey string) string {
	return fmt.Sprintf("get_config:%s:%s:%s", nodeID, configType, configKey)
}

// CreateRealmRequest asks the agent to persist a brand-new realm.
type CreateRealmRequest struct {
	NodeID       string
	RealmID      uint32
	Name         string
	ExpiresAt    time.Time
	PublicKeyB64 string
	KeyID        uint32
	Enabled      bool
	UseServers   []string
	Version      uint64
	Credential   nonceauth.Credential
}

// CreateRealmResult answers CreateRealmRequest.
type CreateRealmResult struct {
	Success      bool
	ErrorMessage string
	Realm        *RealmInfo
}

// CreateRealmPayload is the nonce-auth canonical payload for CreateRealm.
func CreateRealmPayload(nodeID string, realmID uint32) string {
	return fmt.Sprintf("create_realm:%s:%d", nodeID, realmID)
}

// GetRealmRequest reads one realm back.
type GetRealmRequest struct {
	NodeID     string
	RealmID    uint32
	Credential nonceauth.Credential
}

// GetRealmResult answers GetRealmRequest.
type GetRealmResult struct {
	Success      bool
	ErrorMessage string
	Realm        *RealmInfo
}

// GetRealmPayload is the nonce-auth canonical payload for GetRealm.
func GetRealmPayload(nodeID string, realmID uint32) string {
	return fmt.Sprintf("get_realm:%s:%d", nodeID, realmID)
}

// UpdateRealmRequest patches a realm's mutable fields. Nil fields are
// left unchanged.
type UpdateRealmRequest struct {
	NodeID     string
	RealmID    uint32
	Name       *string
	Enabled    *bool
	Credential nonceauth.Credential
}

// UpdateRealmResult answers UpdateRealmRequest.
type UpdateRealmResult struct {
	Success      bool
	ErrorMessage string
	Realm        *RealmInfo
}

// UpdateRealmPayload is the nonce-auth canonical payload for UpdateRealm.
func UpdateRealmPayload(nodeID string, realmID uint32) string {
	return fmt.Sprintf("update_realm:%s:%d", nodeID, realmID)
}

// DeleteRealmRequest removes a realm and its sidecar keys.
type DeleteRealmRequest struct {
	NodeID     string
	RealmID    uint32
	Credential nonceauth.Credential
}

// DeleteRealmResult answers DeleteRealmRequest.
type DeleteRealmResult struct {
	Success      bool
	ErrorMessage string
}

// DeleteRealmPayload is the nonce-auth canonical payload for DeleteRealm.
func DeleteRealmPayload(nodeID string, realmID uint32) string {
	return fmt.Sprintf("delete_realm:%s:%d", nodeID, realmID)
}

// ListRealmsRequest enumerates every realm the agent hosts.
type ListRealmsRequest struct {
	NodeID     string
	Credential nonceauth.Credential
}

// ListRealmsResult answers ListRealmsRequest.
type ListRealmsResult struct {
	Success      bool
	ErrorMessage string
	Realms       []RealmInfo
}

// ListRealmsPayload is the nonce-auth canonical payload for ListRealms.
func ListRealmsPayload(nodeID string) string {
	return fmt.Sprintf("list_realms:%s", nodeID)
}

// GetNodeInfoRequest asks the agent for its own identity and health.
type GetNodeInfoRequest struct {
	NodeID     string
	Credential nonceauth.Credential
}

// GetNodeInfoResult answers GetNodeInfoRequest.
type GetNodeInfoResult struct {
	Success        bool
	ErrorMessage   string
	NodeID         string
	Name           string
	Version        string
	LocationTag    string
	UptimeSecs     int64
	CurrentMetrics SystemMetrics
	Services       []ServiceStatus
}

// GetNodeInfoPayload is the nonce-auth canonical payload for GetNodeInfo.
func GetNodeInfoPayload(nodeID string) string {
	return fmt.Sprintf("get_node_info:%s", nodeID)
}

// ShutdownRequest asks the agent's node to shut down.
type ShutdownRequest struct {
	NodeID      string
	Graceful    bool
	TimeoutSecs *int64
	Reason      string
	Credential  nonceauth.Credential
}

// ShutdownResult answers ShutdownRequest.
type ShutdownResult struct {
	Accepted              bool
	ErrorMessage          string
	EstimatedShutdownTime *int64
}

// ShutdownPayload is the nonce-auth canonical payload for Shutdown.
func ShutdownPayload(nodeID string) string {
	return fmt.Sprintf("shutdown:%s", nodeID)
}
