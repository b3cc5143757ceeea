package liveness_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/kafu/internal/engine"
	"github.com/manthysbr/kafu/internal/kafuconfig"
	"github.com/manthysbr/kafu/internal/liveness"
	"github.com/manthysbr/kafu/internal/migration"
	"github.com/manthysbr/kafu/internal/rpc"
)

var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,

	0x01, 0x04,
	0x01, 0x60, 0x00, 0x00,

	0x03, 0x02,
	0x01, 0x00,

	0x05, 0x03,
	0x01, 0x00, 0x01,

	0x07, 0x13,
	0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,

	0x0a, 0x04,
	0x01, 0x02, 0x00, 0x0b,
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newServer(t *testing.T, nodeID string) (*rpc.Server, func()) {
	t.Helper()
	ctx := context.Background()
	rt, err := engine.NewRuntime(ctx, testLogger())
	require.NoError(t, err)
	mod, err := rt.CompileModule(ctx, noopWasm)
	require.NoError(t, err)
	inst, err := engine.NewInstance(ctx, rt, mod, engine.Config{
		NodeID: nodeID,
		Linker: engine.LinkerConfig{CheckpointMode: engine.CheckpointDisabled},
	})
	require.NoError(t, err)

	srv := rpc.NewServer(testLogger(), nodeID, inst, migration.NewSnapshotCache(), nil, ":0")
	return srv, func() { rt.Close(ctx) }
}

func TestWaitForStartup_CoordinatorReadyImmediately(t *testing.T) {
	srv, cleanup := newServer(t, "n1")
	defer cleanup()

	r := liveness.New(liveness.Config{
		NodeID: "n1", CoordinatorID: "n1", IsCoordinator: true,
		Server: srv, Peers: rpc.NewStaticPeers(nil), HeartbeatInterval: time.Second,
		Logger: testLogger(),
	})

	require.NoError(t, r.WaitForStartup(context.Background()))
}

func TestWaitForStartup_FollowerWaitsForCoordinatorHealth(t *testing.T) {
	coordSrv, cleanupCoord := newServer(t, "n1")
	defer cleanupCoord()
	ts := httptest.NewServer(coordSrv.Handler())
	defer ts.Close()

	followerSrv, cleanupFollower := newServer(t, "n2")
	defer cleanupFollower()

	peers := rpc.NewStaticPeers(map[string]string{"n1": strings.TrimPrefix(ts.URL, "http://")})
	r := liveness.New(liveness.Config{
		NodeID: "n2", CoordinatorID: "n1", IsCoordinator: false,
		Server: followerSrv, Peers: peers, HeartbeatInterval: time.Second,
		Logger: testLogger(),
	})

	coordSrv.SetServing(true)

	require.NoError(t, r.WaitForStartup(context.Background()))
}

func TestFollowerOnCoordinatorLost_TriggersShutdownPolicy(t *testing.T) {
	followerSrv, cleanup := newServer(t, "n2")
	defer cleanup()

	r := liveness.New(liveness.Config{
		NodeID: "n2", CoordinatorID: "n1", IsCoordinator: false,
		Server: followerSrv, Peers: rpc.NewStaticPeers(nil), HeartbeatInterval: 10 * time.Millisecond,
		OnCoordinatorLost: kafuconfig.ShutdownSelf,
		Logger:            testLogger(),
	})

	var gotReason string
	done := make(chan struct{})
	r.OnShutdownRequested(func(reason string) {
		gotReason = reason
		close(done)
	})

	// The loss detector only engages once a heartbeat has reported the
	// coordinator's guest as started; deliver one through the server's
	// real handler (the same path production heartbeats travel) before
	// the observer ever gets to see it go stale.
	deliverHeartbeat(t, followerSrv, "n1", 1, true)

	// The policy also requires missedMinElapsed (5s) of silence, so the
	// wait must outlast it.
	ctx, cancel := context.WithTimeout(context.Background(), 7*time.Second)
	defer cancel()

	go r.FollowerHeartbeatObserver(ctx)

	select {
	case <-done:
		assert.Contains(t, gotReason, "heartbeat")
	case <-time.After(6 * time.Second):
		t.Fatal("expected coordinator-lost shutdown to trigger")
	}
}

func TestFollowerHeartbeatObserver_IgnoresStaleHeartbeatBeforeExecutionStarted(t *testing.T) {
	followerSrv, cleanup := newServer(t, "n2")
	defer cleanup()

	r := liveness.New(liveness.Config{
		NodeID: "n2", CoordinatorID: "n1", IsCoordinator: false,
		Server: followerSrv, Peers: rpc.NewStaticPeers(nil), HeartbeatInterval: 10 * time.Millisecond,
		OnCoordinatorLost: kafuconfig.ShutdownSelf,
		Logger:            testLogger(),
	})

	shutdownCalled := false
	r.OnShutdownRequested(func(reason string) { shutdownCalled = true })

	// A heartbeat arrives, but with ExecutionStarted=false (coordinator is
	// up but its guest hasn't entered _start yet) — the gate must stay
	// closed even though lastHeartbeatAt is now long in the past relative
	// to the ticker below.
	deliverHeartbeat(t, followerSrv, "n1", 1, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r.FollowerHeartbeatObserver(ctx)

	assert.False(t, shutdownCalled)
}

func deliverHeartbeat(t *testing.T, srv *rpc.Server, nodeID string, seq uint64, executionStarted bool) {
	t.Helper()
	body, err := json.Marshal(rpc.HeartbeatRequest{NodeID: nodeID, Seq: seq, ExecutionStarted: executionStarted})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
