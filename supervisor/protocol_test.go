package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterFingerprint_Deterministic(t *testing.T) {
	level := uint32(3)
	req := RegisterNodeRequest{
		NodeID:                "node-1",
		AgentAddr:             "10.0.0.1:7000",
		LocationTag:           "rack-a",
		Location:              "37.7,-122.4",
		ServiceTags:           []string{"edge", "gpu"},
		PowerReserveLevelInit: &level,
		Services: []ServiceTag{
			{Name: "api", Type: "http", Domain: "node1.local", Port: "8080", Status: "running", URL: "http://node1.local:8080", Tags: []string{"v2"}},
		},
	}

	a := RegisterFingerprint(req)
	b := RegisterFingerprint(req)
	require.Equal(t, a, b)
	require.NotEmpty(t, a)
}

func TestRegisterFingerprint_TagOrderDoesNotMatter(t *testing.T) {
	base := RegisterNodeRequest{NodeID: "n", AgentAddr: "a", ServiceTags: []string{"b", "a", "a"}}
	reordered := RegisterNodeRequest{NodeID: "n", AgentAddr: "a", ServiceTags: []string{"a", "b"}}

	require.Equal(t, RegisterFingerprint(base), RegisterFingerprint(reordered))
}

func TestRegisterFingerprint_DifferentServicesDifferentFingerprint(t *testing.T) {
	a := RegisterNodeRequest{NodeID: "n", Services: []ServiceTag{{Name: "api"}}}
	b := RegisterNodeRequest{NodeID: "n", Services: []ServiceTag{{Name: "db"}}}
	require.NotEqual(t, RegisterFingerprint(a), RegisterFingerprint(b))
}

func TestRegisterNodePayload_EmbedsNodeIDAndFingerprint(t *testing.T) {
	req := RegisterNodeRequest{NodeID: "node-7"}
	payload := RegisterNodePayload(req)
	require.Equal(t, "register:node-7:"+RegisterFingerprint(req), payload)
}

func TestReportPayload(t *testing.T) {
	require.Equal(t, "report:node-1:1000", ReportPayload("node-1", 1000))
}

func TestHealthCheckPayload(t *testing.T) {
	require.Equal(t, "health_check:node-1", HealthCheckPayload("node-1"))
}
