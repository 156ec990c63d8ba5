package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/app"
	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/config"
)

func startBroker(t *testing.T) (*app.App, string) {
	t.Helper()
	cfg := config.Config{
		Server:    config.ServerConfig{Port: 3000, RequestTimeout: 5 * time.Second},
		Broker:    config.BrokerConfig{DefaultNamespace: "default", AcquireBatchSize: 10, HeartbeatInterval: time.Second},
		Store:     config.StoreConfig{Driver: "memory"},
		Cache:     config.CacheConfig{Driver: "memory"},
		Artifacts: config.ArtifactsConfig{Backend: "memory"},
	}
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := fmt.Sprintf("worker:\n  broker_url: %q\n  namespace: default\n", srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return a, path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitCreatesTask(t *testing.T) {
	t.Parallel()

	a, cfgPath := startBroker(t)
	out, err := execute(t, "--config", cfgPath, "submit", "https://example.com/", "--data", `{"url":"https://example.com/"}`)
	require.NoError(t, err)

	var task broker.Task
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	require.Equal(t, "https://example.com/", task.Key)
	require.Equal(t, "fetch", task.Variant)

	n, err := a.Coordinator().PendingCount(context.Background(), "fetch")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSubmitRobotsIsIdempotent(t *testing.T) {
	t.Parallel()

	a, cfgPath := startBroker(t)
	for range 2 {
		_, err := execute(t, "--config", cfgPath, "submit", "--robots-host", "example.com")
		require.NoError(t, err)
	}
	n, err := a.Coordinator().PendingCount(context.Background(), "robots")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()

	_, cfgPath := startBroker(t)
	_, err := execute(t, "--config", cfgPath, "submit")
	require.ErrorContains(t, err, "task key is required")

	_, err = execute(t, "--config", cfgPath, "submit", "k", "--data", "{not json")
	require.ErrorContains(t, err, "valid JSON")
}

func TestResyncPrintsCounts(t *testing.T) {
	t.Parallel()

	_, cfgPath := startBroker(t)
	_, err := execute(t, "--config", cfgPath, "submit", "https://example.com/a")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "resync")
	require.NoError(t, err)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	require.Equal(t, int64(1), counts["fetch"])
}

func TestWorkerRejectsBadFetcherMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  fetcher: telnet\n"), 0o600))
	_, err := execute(t, "--config", path, "worker")
	require.ErrorContains(t, err, "worker.fetcher")
}

func TestMissingConfigFileFails(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "resync")
	require.ErrorContains(t, err, "load config")
}
