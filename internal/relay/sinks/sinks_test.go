package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/events"
)

func sampleBatch() []events.Envelope {
	at := time.UnixMilli(1700000000000)
	return []events.Envelope{
		events.Wrap(events.TaskEvent(events.TypeTaskAcquired, broker.Task{ID: "t1", Key: "k1", Variant: "fetch"}, "W"), at),
		events.Wrap(events.SnapshotEvent(map[string]int64{"fetch": 2}), at),
	}
}

func TestLogSinkWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.FilterMessage("lifecycle event").All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()
	require.Equal(t, "task_acquired", first["type"])
	require.Equal(t, "t1", first["task_id"])
	require.Equal(t, "W", first["client_id"])
	require.NotContains(t, entries[1].ContextMap(), "task_id")
}

func TestPubSubSinkPublishesEnvelopes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close() //nolint:errcheck // test cleanup

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test cleanup

	topic, err := client.CreateTopic(ctx, "lifecycle")
	require.NoError(t, err)

	sink := NewPubSubSink(topic)
	require.NoError(t, sink.Consume(ctx, sampleBatch()))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	byType := make(map[string]*pstest.Message, len(msgs))
	for _, m := range msgs {
		byType[m.Attributes[AttrType]] = m
	}

	acq := byType["task_acquired"]
	require.NotNil(t, acq)
	require.Equal(t, "fetch", acq.Attributes[AttrVariant])
	require.Equal(t, "W", acq.Attributes[AttrClientID])
	var env events.Envelope
	require.NoError(t, json.Unmarshal(acq.Data, &env))
	require.Equal(t, "t1", env.Event.ID)
	require.Equal(t, int64(1700000000000), env.Time)

	snap := byType["sync_cache_count"]
	require.NotNil(t, snap)
	require.NotContains(t, snap.Attributes, AttrVariant)
}

func TestPubSubSinkWithoutTopic(t *testing.T) {
	t.Parallel()

	sink := NewPubSubSink(nil)
	require.Error(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))
}
