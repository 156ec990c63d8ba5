package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/taskbroker/internal/events"
)

// Streamer opens the worker's event stream.
type Streamer interface {
	Events(ctx context.Context, clientID string) (*EventStream, error)
}

// RunnerConfig bounds reconnect backoff.
type RunnerConfig struct {
	ClientID     string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// Runner keeps the event stream connected and feeds it to a Controller.
type Runner struct {
	streams    Streamer
	controller *Controller
	cfg        RunnerConfig
	logger     *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(streams Streamer, controller *Controller, cfg RunnerConfig) *Runner {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		streams:    streams,
		controller: controller,
		cfg:        cfg,
		logger:     logger.With(zap.String("client_id", cfg.ClientID)),
	}
}

// Run connects, dispatches events and reconnects with exponential backoff
// until ctx ends. It waits for in-flight tasks before returning.
func (r *Runner) Run(ctx context.Context) error {
	defer r.controller.Wait()
	b := &backoff.Backoff{
		Min:    r.cfg.ReconnectMin,
		Max:    r.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		err := r.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		delay := b.Duration()
		r.logger.Warn("event stream lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Float64("attempt", b.Attempt()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. A reader goroutine decodes the stream while
// the dispatcher hands events to the controller, so a slow acquire never
// stalls the socket read.
func (r *Runner) session(ctx context.Context, b *backoff.Backoff) error {
	if err := r.controller.Sync(ctx); err != nil {
		return fmt.Errorf("sync client: %w", err)
	}
	stream, err := r.streams.Events(ctx, r.cfg.ClientID)
	if err != nil {
		return err
	}
	b.Reset()
	r.logger.Info("event stream connected")

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan events.Envelope, 64)
	g.Go(func() error {
		defer close(queue)
		for {
			env, err := stream.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return errors.New("event stream closed by broker")
				}
				return err
			}
			select {
			case queue <- env:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		// Closing the body is what unblocks the reader on cancellation.
		defer stream.Close() //nolint:errcheck // teardown
		for {
			select {
			case <-gctx.Done():
				return nil
			case env, ok := <-queue:
				if !ok {
					return nil
				}
				r.logger.Debug("event received",
					zap.String("type", string(env.Event.Type)),
					zap.Duration("age", Age(env, r.cfg.Now())),
				)
				r.controller.HandleEvent(ctx, env.Event)
			}
		}
	})
	return g.Wait()
}
