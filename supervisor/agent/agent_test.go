package agent

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/internal/store"
	"github.com/actrix-rtc/actrixd/supervisor"
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

func newTestAgent(t *testing.T, clock clockwork.Clock, shutdownFn ShutdownFunc) (*Agent, *nonceauth.Verifier) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Init(context.Background()))
	t.Cleanup(func() { db.Close() })

	verifier := nonceauth.NewVerifier([]byte("shared-secret"), &memNonceStore{seen: map[string]bool{}})
	verifier.Clock = clock

	a, err := New(Config{
		Verifier:        verifier,
		Realms:          store.NewRealmStore(db),
		Clock:           clock,
		NodeID:          "node-1",
		Name:            "node one",
		Version:         "1.0.0",
		LocationTag:     "rack-a",
		ShutdownHandler: shutdownFn,
	})
	require.NoError(t, err)
	return a, verifier
}

func TestCreateRealmThenGetRealmRoundTrips(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, verifier := newTestAgent(t, clock, nil)
	ctx := context.Background()

	createReq := supervisor.CreateRealmRequest{
		NodeID:     "node-1",
		RealmID:    5,
		Name:       "acme",
		ExpiresAt:  clock.Now().Add(time.Hour),
		Enabled:    true,
		UseServers: []string{"stun"},
		Version:    1,
	}
	createReq.Credential = verifier.Sign(supervisor.CreateRealmPayload(createReq.NodeID, createReq.RealmID))

	createResult, err := a.CreateRealm(ctx, createReq)
	require.NoError(t, err)
	require.True(t, createResult.Success)
	require.NotNil(t, createResult.Realm)
	require.Equal(t, "acme", createResult.Realm.Name)

	getReq := supervisor.GetRealmRequest{NodeID: "node-1", RealmID: 5}
	getReq.Credential = verifier.Sign(supervisor.GetRealmPayload(getReq.NodeID, getReq.RealmID))

	getResult, err := a.GetRealm(ctx, getReq)
	require.NoError(t, err)
	require.True(t, getResult.Success)
	require.Equal(t, "acme", getResult.Realm.Name)
	require.Equal(t, []string{"stun"}, getResult.Realm.UseServers)
}

func TestUpdateRealmPatchesOnlyGivenFields(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, verifier := newTestAgent(t, clock, nil)
	ctx := context.Background()

	createReq := supervisor.CreateRealmRequest{NodeID: "node-1", RealmID: 6, Name: "old", Enabled: true}
	createReq.Credential = verifier.Sign(supervisor.CreateRealmPayload(createReq.NodeID, createReq.RealmID))
	_, err := a.CreateRealm(ctx, createReq)
	require.NoError(t, err)

	newName := "new"
	updateReq := supervisor.UpdateRealmRequest{NodeID: "node-1", RealmID: 6, Name: &newName}
	updateReq.Credential = verifier.Sign(supervisor.UpdateRealmPayload(updateReq.NodeID, updateReq.RealmID))

	updateResult, err := a.UpdateRealm(ctx, updateReq)
	require.NoError(t, err)
	require.True(t, updateResult.Success)
	require.Equal(t, "new", updateResult.Realm.Name)
	require.True(t, updateResult.Realm.Enabled, "enabled should be left unchanged when not patched")
}

func TestDeleteRealmThenGetRealmNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, verifier := newTestAgent(t, clock, nil)
	ctx := context.Background()

	createReq := supervisor.CreateRealmRequest{NodeID: "node-1", RealmID: 7, Name: "gone"}
	createReq.Credential = verifier.Sign(supervisor.CreateRealmPayload(createReq.NodeID, createReq.RealmID))
	_, err := a.CreateRealm(ctx, createReq)
	require.NoError(t, err)

	delReq := supervisor.DeleteRealmRequest{NodeID: "node-1", RealmID: 7}
	delReq.Credential = verifier.Sign(supervisor.DeleteRealmPayload(delReq.NodeID, delReq.RealmID))
	delResult, err := a.DeleteRealm(ctx, delReq)
	require.NoError(t, err)
	require.True(t, delResult.Success)

	getReq := supervisor.GetRealmRequest{NodeID: "node-1", RealmID: 7}
	getReq.Credential = verifier.Sign(supervisor.GetRealmPayload(getReq.NodeID, getReq.RealmID))
	getResult, err := a.GetRealm(ctx, getReq)
	require.NoError(t, err)
	require.False(t, getResult.Success)
}

func TestUpdateConfigReturnsOldValue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, verifier := newTestAgent(t, clock, nil)
	ctx := context.Background()

	req1 := supervisor.UpdateConfigRequest{NodeID: "node-1", ConfigType: "net", ConfigKey: "mtu", ConfigValue: "1500"}
	req1.Credential = verifier.Sign(supervisor.UpdateConfigPayload(req1.NodeID, req1.ConfigType, req1.ConfigKey))
	result1, err := a.UpdateConfig(ctx, req1)
	require.NoError(t, err)
	require.True(t, result1.Success)
	require.Nil(t, result1.OldValue)

	req2 := supervisor.UpdateConfigRequest{NodeID: "node-1", ConfigType: "net", ConfigKey: "mtu", ConfigValue: "9000"}
	req2.Credential = verifier.Sign(supervisor.UpdateConfigPayload(req2.NodeID, req2.ConfigType, req2.ConfigKey))
	result2, err := a.UpdateConfig(ctx, req2)
	require.NoError(t, err)
	require.True(t, result2.Success)
	require.NotNil(t, result2.OldValue)
	require.Equal(t, "1500", *result2.OldValue)

	getReq := supervisor.GetConfigRequest{NodeID: "node-1", ConfigType: "net", ConfigKey: "mtu"}
	getReq.Credential = verifier.Sign(supervisor.GetConfigPayload(getReq.NodeID, getReq.ConfigType, getReq.ConfigKey))
	getResult, err := a.GetConfig(ctx, getReq)
	require.NoError(t, err)
	require.True(t, getResult.Success)
	require.Equal(t, "9000", *getResult.ConfigValue)
}

func TestShutdownWithoutHandlerStillAccepted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, verifier := newTestAgent(t, clock, nil)
	ctx := context.Background()

	timeout := int64(30)
	req := supervisor.ShutdownRequest{NodeID: "node-1", Graceful: true, TimeoutSecs: &timeout, Reason: "maintenance"}
	req.Credential = verifier.Sign(supervisor.ShutdownPayload(req.NodeID))

	result, err := a.Shutdown(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.NotNil(t, result.EstimatedShutdownTime)
	require.Equal(t, clock.Now().Unix()+timeout, *result.EstimatedShutdownTime)
}

func TestShutdownWithHandlerInvokesIt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var gotGraceful bool
	var gotReason string
	handler := func(ctx context.Context, graceful bool, timeoutSecs *int64, reason string) error {
		gotGraceful = graceful
		gotReason = reason
		return nil
	}
	a, verifier := newTestAgent(t, clock, handler)
	ctx := context.Background()

	req := supervisor.ShutdownRequest{NodeID: "node-1", Graceful: false, Reason: "power loss"}
	req.Credential = verifier.Sign(supervisor.ShutdownPayload(req.NodeID))

	result, err := a.Shutdown(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.False(t, gotGraceful)
	require.Equal(t, "power loss", gotReason)
	require.NotNil(t, result.EstimatedShutdownTime)
	require.Equal(t, clock.Now().Unix(), *result.EstimatedShutdownTime)
}

func TestGetNodeInfoReportsUptime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, verifier := newTestAgent(t, clock, nil)
	ctx := context.Background()

	clock.Advance(5 * time.Minute)

	req := supervisor.GetNodeInfoRequest{NodeID: "node-1"}
	req.Credential = verifier.Sign(supervisor.GetNodeInfoPayload(req.NodeID))

	result, err := a.GetNodeInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "node-1", result.NodeID)
	require.EqualValues(t, 300, result.UptimeSecs)
}
