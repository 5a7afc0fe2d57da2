package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/errorhub/pkg/config"
	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/model"
)

func testConfig(instance string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.InstanceID = instance
	cfg.Server.ShutdownTimeout = "2s"
	cfg.Backlog.Driver = "memory"
	cfg.Domain.Store = "memory"
	cfg.Health.Interval = "50ms"
	return cfg
}

func relayConfig(t *testing.T, instance, endpoint string) *config.Config {
	cfg := testConfig(instance)
	cfg.Federation.Role = config.RoleRelay
	cfg.Federation.Endpoint = endpoint
	cfg.Federation.OutboxPath = filepath.Join(t.TempDir(), "outbox.db")
	cfg.Federation.InitialInterval = "20ms"
	cfg.Federation.MaxInterval = "200ms"
	return cfg
}

func start(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("run failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("app did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})
	return a
}

func baseURL(a *App) string { return "http://" + a.Addr().String() }

func submit(t *testing.T, a *App, app, typ string) model.ErrorPayload {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"sourceId": app,
		"error":    map[string]string{"type": typ, "message": "boom"},
	})
	resp, err := http.Post(baseURL(a)+"/errors", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var stored model.ErrorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	return stored
}

func errorCount(t *testing.T, a *App) int64 {
	t.Helper()
	stats, err := a.Backlog().Stats(context.Background())
	require.NoError(t, err)
	return stats.Errors
}

func TestApp_Standalone(t *testing.T) {
	a := start(t, testConfig("solo"))

	stored := submit(t, a, "billing", "Timeout")
	assert.Equal(t, "solo", stored.Origin)
	assert.Equal(t, int64(1), stored.Sequence)

	resp, err := http.Get(baseURL(a) + "/recap?apps=billing")
	require.NoError(t, err)
	var recap model.Recap
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recap))
	resp.Body.Close()
	assert.Equal(t, 1, recap.Measure(stored.Key()))

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL(a) + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK && !a.Health().Snapshot().CheckedAt.IsZero()
	}, 2*time.Second, 20*time.Millisecond)

	resp, err = http.Get(baseURL(a) + "/info")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, "solo", info["instance"])
	assert.Equal(t, config.RoleNone, info["role"])

	resp, err = http.Get(baseURL(a) + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_RelayForwardsToBackend(t *testing.T) {
	backendCfg := testConfig("backend")
	backendCfg.Federation.Role = config.RoleBackend
	backend := start(t, backendCfg)

	relay := start(t, relayConfig(t, "relay-1", "ws://"+backend.Addr().String()+"/bus"))

	require.Eventually(t, func() bool { return relay.relay.Connected() }, 5*time.Second, 20*time.Millisecond)

	submit(t, relay, "orders", "Crash")
	require.Eventually(t, func() bool { return errorCount(t, backend) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), errorCount(t, relay))

	ctx := context.Background()
	require.NoError(t, backend.Holder().AddCluster(ctx, "ops"))
	require.NoError(t, backend.Holder().AddClusterApplication(ctx, "ops", "orders"))
	require.Eventually(t, func() bool {
		c, ok := relay.Holder().GetCluster("ops")
		return ok && len(c.Applications) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_Jobs(t *testing.T) {
	a, err := New(context.Background(), relayConfig(t, "relay-jobs", "ws://127.0.0.1:1/bus"))
	require.NoError(t, err)
	defer a.shutdown()

	_, err = a.inbox.Post(context.Background(), model.ErrorPayload{
		SourceID: "billing",
		Error:    model.Error{Type: "Timeout"},
	})
	require.NoError(t, err)

	attrs, err := a.refreshStats(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, attrs)

	attrs, err = a.maintainOutbox(context.Background())
	require.NoError(t, err)
	assert.Len(t, attrs, 2)

	a.runJob(jobStats, a.refreshStats)
	a.runJob(jobOutbox, a.maintainOutbox)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("bad")
	cfg.Jobs.OutboxSchedule = "whenever"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	code, ok := herrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, herrors.CodeInvalidConfig, code)
}

func TestRun_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig("busy")
	cfg.Server.Addr = ln.Addr().String()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	assert.Error(t, a.Run(context.Background()))
}

func TestNew_GeneratesInstanceID(t *testing.T) {
	a, err := New(context.Background(), testConfig(""))
	require.NoError(t, err)
	defer a.shutdown()
	assert.NotEmpty(t, a.Instance())
}
