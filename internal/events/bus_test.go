package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

func TestPublishRoutesByChannel(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	w1 := bus.Subscribe(8, Global, ClientChannel("w1"), VariantChannel("fetch"))
	defer w1.Close()
	w2 := bus.Subscribe(8, Global, ClientChannel("w2"), VariantChannel("headless"))
	defer w2.Close()

	require.Equal(t, 2, bus.Publish(Global, Event{Type: TypeHeartbeat}))
	require.Equal(t, 1, bus.Publish(ClientChannel("w1"), Event{Type: TypeTaskSuggested, ID: "t1"}))
	require.Equal(t, 1, bus.Publish(VariantChannel("headless"), CountEvent("headless", 3)))
	require.Zero(t, bus.Publish(ClientChannel("nobody"), Event{Type: TypeTaskSuggested}))

	require.Equal(t, TypeHeartbeat, (<-w1.Events()).Type)
	require.Equal(t, "t1", (<-w1.Events()).ID)
	require.Equal(t, TypeHeartbeat, (<-w2.Events()).Type)
	got := <-w2.Events()
	require.Equal(t, TypeSyncCacheCountSub, got.Type)
	require.Equal(t, int64(3), *got.Value)
}

func TestCloseRemovesEveryChannel(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	sub := bus.Subscribe(1, Global, ClientChannel("w1"), VariantChannel("fetch"))
	require.Equal(t, 1, bus.SubscriberCount(ClientChannel("w1")))

	sub.Close()
	sub.Close()

	for _, ch := range []Channel{Global, ClientChannel("w1"), VariantChannel("fetch")} {
		require.Zero(t, bus.SubscriberCount(ch))
		require.Zero(t, bus.Publish(ch, Event{Type: TypeHeartbeat}))
	}
	_, open := <-sub.Events()
	require.False(t, open)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	slow := bus.Subscribe(1, Global)
	defer slow.Close()
	fast := bus.Subscribe(16, Global)
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Global, Event{Type: TypeHeartbeat})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.Len(t, slow.Events(), 1)
	require.Len(t, fast.Events(), 10)
}

func TestConcurrentPublishAndClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub := bus.Subscribe(2, Global)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Global, Event{Type: TypeHeartbeat})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	require.Zero(t, bus.SubscriberCount(Global))
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	holder := "w1"
	task := broker.Task{ID: "t1", Namespace: "default", Key: "http://a.test", Variant: "fetch", CompleterID: &holder}
	env := Wrap(TaskEvent(TypeTaskAcquired, task, "w1"), time.UnixMilli(1700000000000))

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.EqualValues(t, 1700000000000, decoded["time"])
	evt, ok := decoded["event"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "task_acquired", evt["type"])
	require.Equal(t, "t1", evt["id"])
	require.Equal(t, "fetch", evt["variant"])
	require.Equal(t, "w1", evt["clientID"])

	zero := CountEvent("fetch", 0)
	raw, err = json.Marshal(zero)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"sync_cache_count_sub","variant":"fetch","value":0}`, string(raw))
}
