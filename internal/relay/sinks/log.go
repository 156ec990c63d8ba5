package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/events"
)

// LogSink writes each lifecycle event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the relay.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Envelope) error {
	for _, env := range batch {
		evt := env.Event
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.Int64("time", env.Time),
		}
		if evt.ID != "" {
			fields = append(fields, zap.String("task_id", evt.ID), zap.String("key", evt.Key))
		}
		if evt.Variant != "" {
			fields = append(fields, zap.String("variant", evt.Variant))
		}
		if evt.ClientID != "" {
			fields = append(fields, zap.String("client_id", evt.ClientID))
		}
		if evt.Value != nil {
			fields = append(fields, zap.Int64("value", *evt.Value))
		}
		if len(evt.Cache) > 0 {
			fields = append(fields, zap.Any("cache", evt.Cache))
		}
		s.logger.Info("lifecycle event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
