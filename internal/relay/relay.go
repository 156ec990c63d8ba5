// Package relay forwards broker lifecycle events to external sinks.
//
// A Relay subscribes to the bus's global channel, batches what it receives
// and hands each batch to every sink. The bus never blocks on the relay: when
// the relay's buffer is full, the bus drops the event and logs the drop.
package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/events"
)

var tracer = otel.Tracer("github.com/JakeFAU/taskbroker/internal/relay")

// Sink consumes batches of wrapped events. Implementations must honor ctx
// deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []events.Envelope) error
	Close(ctx context.Context) error
}

// Config controls buffering and batching.
//   - BufferSize: bus subscription buffer (default 256).
//   - MaxBatchEvents: flush once this many events queue (default 50).
//   - MaxBatchWait: flush after this long even if the batch is small (default 1s).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - Types: event types to forward; empty forwards everything but heartbeats.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Types          []events.Type
	Now            func() time.Time
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 256
	defaultMaxBatchEvents = 50
	defaultMaxBatchWait   = time.Second
	defaultSinkTimeout    = 10 * time.Second
)

// Relay batches global bus events into sinks.
type Relay struct {
	cfg    Config
	bus    *events.Bus
	sinks  []Sink
	allow  map[events.Type]bool
	logger *zap.Logger
}

// New builds a Relay over bus. Nothing is subscribed until Run.
func New(bus *events.Bus, cfg Config, sinks ...Sink) *Relay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var allow map[events.Type]bool
	if len(cfg.Types) > 0 {
		allow = make(map[events.Type]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			allow[t] = true
		}
	}
	return &Relay{
		cfg:    cfg,
		bus:    bus,
		sinks:  append([]Sink(nil), sinks...),
		allow:  allow,
		logger: logger,
	}
}

// Run subscribes to the global channel and forwards batches until ctx is
// cancelled. On the way out it flushes what is buffered and closes every
// sink. Run always returns nil once ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.bus.Subscribe(r.cfg.BufferSize, events.Global)
	r.logger.Info("relay started", zap.Int("sinks", len(r.sinks)))

	batch := make([]events.Envelope, 0, r.cfg.MaxBatchEvents)
	timer := time.NewTimer(r.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				r.shutdown(context.WithoutCancel(ctx), batch)
				return nil
			}
			if !r.wants(evt.Type) {
				continue
			}
			batch = append(batch, events.Wrap(evt, r.cfg.Now()))
			if len(batch) >= r.cfg.MaxBatchEvents {
				r.flush(ctx, batch)
				batch = batch[:0]
				stopTimer(timer, &timerActive)
			} else if !timerActive {
				timer.Reset(r.cfg.MaxBatchWait)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			r.flush(ctx, batch)
			batch = batch[:0]
		case <-ctx.Done():
			stopTimer(timer, &timerActive)
			sub.Close()
			// Close leaves already-buffered events readable.
			for evt := range sub.Events() {
				if r.wants(evt.Type) {
					batch = append(batch, events.Wrap(evt, r.cfg.Now()))
				}
			}
			r.shutdown(context.WithoutCancel(ctx), batch)
			return nil
		}
	}
}

func (r *Relay) wants(t events.Type) bool {
	if r.allow != nil {
		return r.allow[t]
	}
	return t != events.TypeHeartbeat && t != events.TypeHello
}

func (r *Relay) shutdown(ctx context.Context, batch []events.Envelope) {
	r.flush(ctx, batch)
	closeCtx, cancel := context.WithTimeout(ctx, r.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Close(closeCtx); err != nil {
			r.logger.Warn("relay sink close failed", zap.Error(err))
		}
	}
	r.logger.Info("relay stopped")
}

func (r *Relay) flush(ctx context.Context, batch []events.Envelope) {
	if len(batch) == 0 {
		return
	}
	out := append([]events.Envelope(nil), batch...)
	base, span := tracer.Start(context.WithoutCancel(ctx), "relay.flush",
		trace.WithAttributes(attribute.Int("relay.events", len(out))),
	)
	defer span.End()
	for _, sink := range r.sinks {
		sinkCtx, cancel := context.WithTimeout(base, r.cfg.SinkTimeout)
		if err := sink.Consume(sinkCtx, out); err != nil {
			r.logger.Warn("relay sink consume failed",
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}
