// Package stream serves a worker's long-lived event stream.
//
// A session verifies the worker, marks it online, subscribes it to the
// global, per-client and per-variant channels and forwards every delivered
// event as a server-sent event until the connection closes. Closing a
// session removes all of its subscriptions before the handler returns.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/metrics"
)

// ErrStreamingUnsupported is returned when the writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Sessions is the coordinator surface a stream needs.
type Sessions interface {
	Connect(ctx context.Context, clientID string) (broker.Client, error)
	Disconnect(ctx context.Context, clientID string) error
	PendingCount(ctx context.Context, variant string) (int64, error)
}

// Config tunes the handler.
type Config struct {
	// Buffer is the per-session event buffer; slow readers drop beyond it.
	Buffer int
	Now    func() time.Time
	Logger *zap.Logger
}

// Handler opens sessions and streams them over HTTP.
type Handler struct {
	sessions Sessions
	bus      *events.Bus
	buffer   int
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(sessions Sessions, bus *events.Bus, cfg Config) *Handler {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		bus:      bus,
		buffer:   cfg.Buffer,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Session is one connected worker's subscription set.
type Session struct {
	Client broker.Client

	h    *Handler
	sub  *events.Subscription
	once sync.Once
}

// Open verifies the worker, marks it online and subscribes it.
func (h *Handler) Open(ctx context.Context, clientID string) (*Session, error) {
	client, err := h.sessions.Connect(ctx, clientID)
	if err != nil {
		return nil, err
	}
	channels := []events.Channel{events.Global, events.ClientChannel(client.ID)}
	if client.Variant != "" {
		channels = append(channels, events.VariantChannel(client.Variant))
	}
	metrics.IncOpenStreams()
	return &Session{
		Client: client,
		h:      h,
		sub:    h.bus.Subscribe(h.buffer, channels...),
	}, nil
}

// Events delivers the session's events; it is closed by Close.
func (s *Session) Events() <-chan events.Event {
	return s.sub.Events()
}

// Close unsubscribes every channel and releases the worker's stream; the
// worker goes offline once its last stream closes. Repeated calls are no-ops.
func (s *Session) Close(ctx context.Context) {
	s.once.Do(func() {
		s.sub.Close()
		metrics.DecOpenStreams()
		if err := s.h.sessions.Disconnect(ctx, s.Client.ID); err != nil {
			s.h.logger.Warn("mark client offline failed",
				zap.String("client_id", s.Client.ID),
				zap.Error(err),
			)
		}
	})
}

// Stream serves clientID's events on w until the request ends. An error is
// returned only when nothing has been written yet, so the caller can still
// render a regular error response.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request, clientID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	ctx := r.Context()
	session, err := h.Open(ctx, clientID)
	if err != nil {
		return err
	}
	defer session.Close(context.WithoutCancel(ctx))

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := h.logger.With(zap.String("client_id", clientID))
	logger.Info("event stream opened", zap.String("variant", session.Client.Variant))
	defer logger.Info("event stream closed")

	for _, evt := range h.greeting(ctx, session.Client) {
		if err := h.write(w, flusher, evt); err != nil {
			logger.Debug("write greeting failed", zap.Error(err))
			return nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-session.Events():
			if !ok {
				return nil
			}
			if err := h.write(w, flusher, evt); err != nil {
				logger.Debug("write event failed", zap.Error(err))
				return nil
			}
		}
	}
}

// greeting lets a worker tell "connected, nothing pending" apart from
// "connecting" and resynchronizes its mirrored pending count.
func (h *Handler) greeting(ctx context.Context, client broker.Client) []events.Event {
	out := []events.Event{
		{Type: events.TypeHello, ClientID: client.ID, Variant: client.Variant},
		{Type: events.TypeHeartbeat},
	}
	if client.Variant == "" {
		return out
	}
	n, err := h.sessions.PendingCount(ctx, client.Variant)
	if err != nil {
		h.logger.Debug("pending count for greeting failed", zap.Error(err))
		return out
	}
	return append(out, events.CountEvent(client.Variant, n))
}

func (h *Handler) write(w http.ResponseWriter, flusher http.Flusher, evt events.Event) error {
	raw, err := json.Marshal(events.Wrap(evt, h.now()))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
