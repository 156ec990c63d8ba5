package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/taskbroker/internal/events"
)

// Attribute keys set on every published message.
const (
	AttrType     = "type"
	AttrVariant  = "variant"
	AttrClientID = "client_id"
)

// PubSubSink publishes one message per lifecycle event. Message data is the
// JSON envelope; attributes carry the event type, variant and client plus
// the caller's trace context.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink publishes to topic. The sink stops the topic on Close but
// leaves the client to its owner.
func NewPubSubSink(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// Consume publishes the batch and waits for every result.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Envelope) error {
	if s.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, env := range batch {
		msg, err := message(ctx, env)
		if err != nil {
			return err
		}
		results = append(results, s.topic.Publish(ctx, msg))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d events: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending publishes.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

func message(ctx context.Context, env events.Envelope) (*pubsub.Message, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	attrs := map[string]string{AttrType: string(env.Event.Type)}
	if env.Event.Variant != "" {
		attrs[AttrVariant] = env.Event.Variant
	}
	if env.Event.ClientID != "" {
		attrs[AttrClientID] = env.Event.ClientID
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}
