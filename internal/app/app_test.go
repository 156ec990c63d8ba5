package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/taskbroker/internal/config"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
)

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 3000, RequestTimeout: 5 * time.Second, ShutdownTimeout: time.Second},
		Broker:    config.BrokerConfig{DefaultNamespace: "default", AcquireBatchSize: 10, HeartbeatInterval: 20 * time.Millisecond},
		Store:     config.StoreConfig{Driver: "memory"},
		Cache:     config.CacheConfig{Driver: "memory"},
		Artifacts: config.ArtifactsConfig{Backend: "memory"},
		Relay:     config.RelayConfig{Sinks: []string{"log"}, Buffer: 16, BatchSize: 1, FlushInterval: 10 * time.Millisecond},
	}
}

func TestNewInMemory(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ready", body["status"])
}

func TestNewDurableBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cache = config.CacheConfig{Driver: "pebble", Dir: t.TempDir(), NoSync: true}
	cfg.Artifacts = config.ArtifactsConfig{Backend: "local", LocalDir: t.TempDir()}

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	task, err := a.Coordinator().Create(ctx, coordinator.CreateRequest{Key: "https://example.com/", Variant: "fetch"})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	n, err := a.Coordinator().PendingCount(ctx, "fetch")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	a.Close()

	// The pebble directory is reusable once the first instance is closed.
	reopened, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	n, err = reopened.Coordinator().PendingCount(ctx, "fetch")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	tests := map[string]func(*config.Config){
		"store":     func(c *config.Config) { c.Store.Driver = "sqlite" },
		"cache":     func(c *config.Config) { c.Cache.Driver = "redis" },
		"artifacts": func(c *config.Config) { c.Artifacts.Backend = "s3" },
		"relay sink": func(c *config.Config) {
			c.Relay.Enabled = true
			c.Relay.Sinks = []string{"kafka"}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			mutate(&cfg)
			_, err := New(context.Background(), cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestRunRelaysAndStops(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	cfg := testConfig()
	cfg.Server.Port = 0
	cfg.Relay.Enabled = true

	a, err := New(context.Background(), cfg, zap.New(core))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	_, err = a.Coordinator().Create(ctx, coordinator.CreateRequest{Key: "k", Variant: "fetch"})
	require.NoError(t, err)
	// Resync publishes a count snapshot on the global channel; repeat until
	// the relay has subscribed and logged one.
	require.Eventually(t, func() bool {
		if _, err := a.Coordinator().ResyncAll(ctx, ""); err != nil {
			return false
		}
		return logs.FilterMessage("lifecycle event").Len() > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
