package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/events"
)

func TestRunnerEndToEndScenario(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	client := NewClient(b.URL, "", nil)
	handled := make(chan broker.Task, 4)
	ctrl := NewController(client, HandlerFunc(func(_ context.Context, task broker.Task) error {
		handled <- task
		return nil
	}), ControllerConfig{ClientID: "W", Namespace: "default", Variant: "fetch", Concurrency: 1})
	runner := NewRunner(client, ctrl, RunnerConfig{ClientID: "W", ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	// Connected once the greeting's heartbeat has refreshed the mirrored count.
	require.Eventually(t, func() bool {
		_, known := ctrl.Pending()
		return known && b.Bus.SubscriberCount(events.ClientChannel("W")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	task, err := client.CreateTask(ctx, coordinator.CreateRequest{Namespace: "default", Key: "http://a.test", Variant: "fetch"})
	require.NoError(t, err)

	select {
	case got := <-handled:
		require.Equal(t, task.ID, got.ID)
		require.True(t, got.HeldBy("W"))
	case <-time.After(2 * time.Second):
		t.Fatal("worker never handled the suggested task")
	}

	require.Eventually(t, func() bool {
		stored, err := b.Svc.GetTask(ctx, task.ID)
		return err == nil && stored.Completed
	}, 2*time.Second, 10*time.Millisecond)
	n, err := client.PendingCount(ctx, "fetch")
	require.NoError(t, err)
	require.Zero(t, n)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	require.Eventually(t, func() bool {
		return b.Bus.SubscriberCount(events.ClientChannel("W")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type flakyStreams struct {
	calls atomic.Int32
	fail  int32
}

func (f *flakyStreams) Events(context.Context, string) (*EventStream, error) {
	n := f.calls.Add(1)
	if n <= f.fail {
		return nil, errors.New("connection refused")
	}
	// A stream the broker closes right after the greeting.
	body := "data: {\"event\":{\"type\":\"hello\"},\"time\":1}\n\n"
	return newEventStream(io.NopCloser(strings.NewReader(body))), nil
}

func TestRunnerReconnectsWithBackoff(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	ctrl := newTestController(api, HandlerFunc(func(context.Context, broker.Task) error { return nil }), 1)
	streams := &flakyStreams{fail: 2}
	runner := NewRunner(streams, ctrl, RunnerConfig{ClientID: "W", ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return streams.calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-runErr)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.GreaterOrEqual(t, len(api.syncs), 4, "every connect re-syncs the client")
}
