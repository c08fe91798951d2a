package controller

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/supervisor"
	"github.com/actrix-rtc/actrixd/supervisor/jointoken"
)

type memNonceStore struct {
	seen map[string]bool
}

func (s *memNonceStore) Observe(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if s.seen[nonce] {
		return false, nil
	}
	s.seen[nonce] = true
	return true, nil
}

func newTestController(t *testing.T, clock clockwork.Clock) (*Controller, *nonceauth.Verifier) {
	t.Helper()
	secret := []byte("0123456789abcdef0123456789abcdef")
	verifier := nonceauth.NewVerifier(secret, &memNonceStore{seen: map[string]bool{}})
	verifier.Clock = clock

	c, err := New(Config{
		Verifier:     verifier,
		JoinTokens:   jointoken.New(clock),
		SharedSecret: secret,
		Clock:        clock,
	})
	require.NoError(t, err)
	return c, verifier
}

func TestBootstrapRedeemsJoinTokenOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestController(t, clock)
	ctx := context.Background()

	token, err := c.IssueJoinToken(ctx, time.Hour)
	require.NoError(t, err)

	secret, err := c.Bootstrap(ctx, token)
	require.NoError(t, err)
	require.Equal(t, c.cfg.SharedSecret, secret)

	_, err = c.Bootstrap(ctx, token)
	require.Error(t, err)
}

func TestRegisterNodeThenReportThenHealthCheck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, verifier := newTestController(t, clock)
	ctx := context.Background()

	req := supervisor.RegisterNodeRequest{NodeID: "node-1", AgentAddr: "10.0.0.1:7000", Name: "n1"}
	req.Credential = verifier.Sign(supervisor.RegisterNodePayload(req))

	regResult, err := c.RegisterNode(ctx, req)
	require.NoError(t, err)
	require.EqualValues(t, 30, regResult.HeartbeatIntervalSecs)

	reportReq := supervisor.ReportRequest{NodeID: "node-1", Timestamp: clock.Now().Unix()}
	reportReq.Credential = verifier.Sign(supervisor.ReportPayload(reportReq.NodeID, reportReq.Timestamp))

	reportResult, err := c.Report(ctx, reportReq)
	require.NoError(t, err)
	require.EqualValues(t, 60, reportResult.NextReportIntervalSecs)

	lastSeen, ok := c.NodeSeen("node-1")
	require.True(t, ok)
	require.Equal(t, clock.Now(), lastSeen)

	hcReq := supervisor.HealthCheckRequest{NodeID: "node-1"}
	hcReq.Credential = verifier.Sign(supervisor.HealthCheckPayload(hcReq.NodeID))

	hcResult, err := c.HealthCheck(ctx, hcReq)
	require.NoError(t, err)
	require.GreaterOrEqual(t, hcResult.LatencyMs, int64(0))
}

func TestRegisterNodeRejectsBadSignature(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, verifier := newTestController(t, clock)
	ctx := context.Background()

	req := supervisor.RegisterNodeRequest{NodeID: "node-1", AgentAddr: "10.0.0.1:7000"}
	req.Credential = verifier.Sign(supervisor.RegisterNodePayload(supervisor.RegisterNodeRequest{NodeID: "node-2"}))

	_, err := c.RegisterNode(ctx, req)
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))
}

func TestReportRejectsReplayedCredential(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, verifier := newTestController(t, clock)
	ctx := context.Background()

	reportReq := supervisor.ReportRequest{NodeID: "node-1", Timestamp: clock.Now().Unix()}
	reportReq.Credential = verifier.Sign(supervisor.ReportPayload(reportReq.NodeID, reportReq.Timestamp))

	_, err := c.Report(ctx, reportReq)
	require.NoError(t, err)

	_, err = c.Report(ctx, reportReq)
	require.Error(t, err)
	require.Equal(t, errkind.Replay, errkind.Of(err))
}
