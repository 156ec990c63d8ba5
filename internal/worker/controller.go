package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/metrics"
)

// Handler executes one acquired task.
type Handler interface {
	Handle(ctx context.Context, task broker.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task broker.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task broker.Task) error {
	return f(ctx, task)
}

// API is the broker surface the controller drives.
type API interface {
	SyncClient(ctx context.Context, req coordinator.SyncRequest) (broker.Client, error)
	Pull(ctx context.Context, req coordinator.PullRequest) (coordinator.PullResult, error)
	Acquire(ctx context.Context, req coordinator.AcquireRequest) (broker.Task, error)
	Complete(ctx context.Context, req coordinator.CompleteRequest) (broker.Task, error)
	PendingCount(ctx context.Context, variant string) (int64, error)
}

// ControllerConfig identifies the worker and bounds its parallelism.
type ControllerConfig struct {
	ClientID     string
	Namespace    string
	Variant      string
	Concurrency  int
	Capabilities []string
	Logger       *zap.Logger
}

// Controller keeps at most Concurrency tasks in flight and turns broker
// events into acquisitions.
type Controller struct {
	cfg     ControllerConfig
	api     API
	handler Handler
	logger  *zap.Logger

	mu           sync.Mutex
	running      int
	pending      int64
	pendingKnown bool

	wg sync.WaitGroup
}

// NewController builds a Controller.
func NewController(api API, handler Handler, cfg ControllerConfig) *Controller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Variant == "" {
		cfg.Variant = coordinator.DefaultVariant
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		api:     api,
		handler: handler,
		logger:  logger.With(zap.String("client_id", cfg.ClientID), zap.String("variant", cfg.Variant)),
	}
}

// Running reports the number of tasks in flight.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Pending returns the mirrored unassigned count and whether the broker has
// reported one yet.
func (c *Controller) Pending() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.pendingKnown
}

// Wait blocks until every started task has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Sync registers the worker and its current load with the broker.
func (c *Controller) Sync(ctx context.Context) error {
	_, err := c.api.SyncClient(ctx, coordinator.SyncRequest{
		ID:           c.cfg.ClientID,
		Namespace:    c.cfg.Namespace,
		Variant:      c.cfg.Variant,
		Concurrency:  c.cfg.Concurrency,
		Running:      c.Running(),
		Capabilities: c.cfg.Capabilities,
	})
	return err
}

// HandleEvent reacts to one pushed event. Tasks it starts run on ctx.
func (c *Controller) HandleEvent(ctx context.Context, evt events.Event) {
	switch evt.Type {
	case events.TypeTaskSuggested:
		if evt.ClientID != "" && evt.ClientID != c.cfg.ClientID {
			return
		}
		c.onSuggested(ctx, evt.ID)
	case events.TypeHeartbeat:
		c.onHeartbeat(ctx)
	case events.TypeSyncCacheCount:
		if v, ok := evt.Cache[c.cfg.Variant]; ok {
			c.setPending(v)
		}
	case events.TypeSyncCacheCountSub:
		if evt.Variant == c.cfg.Variant && evt.Value != nil {
			c.setPending(*evt.Value)
		}
	case events.TypeHello:
		c.logger.Info("connected to broker")
	}
}

func (c *Controller) onSuggested(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	if !c.reserve() {
		metrics.ObserveWorkerTask("dropped")
		c.logger.Debug("suggestion dropped, worker full", zap.String("task_id", taskID))
		return
	}
	task, err := c.api.Acquire(ctx, coordinator.AcquireRequest{
		ID:        taskID,
		ClientID:  c.cfg.ClientID,
		Namespace: c.cfg.Namespace,
	})
	if err != nil {
		c.release()
		c.logAcquireFailure(err, zap.String("task_id", taskID))
		return
	}
	c.start(ctx, task)
}

func (c *Controller) onHeartbeat(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		c.logger.Warn("client sync failed", zap.Error(err))
	}
	running := c.Running()
	switch {
	case running == 0:
		c.idleCheck(ctx)
	case running < c.cfg.Concurrency:
		c.requestMore(ctx)
	}
}

// idleCheck asks for a batch of suggestions when the broker reports work.
func (c *Controller) idleCheck(ctx context.Context) {
	pending, known := c.Pending()
	if !known {
		n, err := c.api.PendingCount(ctx, c.cfg.Variant)
		if err != nil {
			c.logger.Warn("pending count refresh failed", zap.Error(err))
			return
		}
		c.setPending(n)
		pending = n
	}
	if pending <= 0 {
		return
	}
	want := c.cfg.Concurrency - c.Running()
	if want <= 0 {
		return
	}
	res, err := c.api.Pull(ctx, coordinator.PullRequest{
		Namespace: c.cfg.Namespace,
		ClientID:  c.cfg.ClientID,
		Repeat:    want,
	})
	if err != nil {
		c.logger.Warn("pull failed", zap.Error(err))
		return
	}
	c.logger.Debug("pulled suggestions", zap.Int("requested", want), zap.Int("suggested", res.Suggested))
	// Pull skips workers that still hold an open task, such as one whose
	// handler failed; fall back to a direct acquire.
	if res.Suggested == 0 {
		c.requestMore(ctx)
	}
}

// requestMore acquires the next available task of the worker's variant
// directly.
func (c *Controller) requestMore(ctx context.Context) {
	if ctx.Err() != nil || !c.reserve() {
		return
	}
	task, err := c.api.Acquire(ctx, coordinator.AcquireRequest{
		ClientID:  c.cfg.ClientID,
		Namespace: c.cfg.Namespace,
		Variant:   c.cfg.Variant,
	})
	if err != nil {
		c.release()
		c.logAcquireFailure(err)
		return
	}
	c.start(ctx, task)
}

func (c *Controller) start(ctx context.Context, task broker.Task) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, task)
		c.release()
		c.requestMore(ctx)
	}()
}

func (c *Controller) run(ctx context.Context, task broker.Task) {
	logger := c.logger.With(zap.String("task_id", task.ID), zap.String("key", task.Key))
	logger.Info("task started")
	if err := c.handler.Handle(ctx, task); err != nil {
		metrics.ObserveWorkerTask("failed")
		logger.Warn("task failed", zap.Error(err))
		return
	}
	if _, err := c.api.Complete(ctx, coordinator.CompleteRequest{ID: task.ID, ClientID: c.cfg.ClientID}); err != nil {
		metrics.ObserveWorkerTask("complete_failed")
		logger.Warn("task completion failed", zap.Error(err))
		return
	}
	metrics.ObserveWorkerTask("completed")
	logger.Info("task completed")
}

func (c *Controller) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running >= c.cfg.Concurrency {
		return false
	}
	c.running++
	metrics.SetWorkerRunning(c.running)
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		c.running--
	}
	metrics.SetWorkerRunning(c.running)
}

func (c *Controller) setPending(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = n
	c.pendingKnown = true
}

func (c *Controller) logAcquireFailure(err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, broker.ErrAlreadyAcquired) || errors.Is(err, broker.ErrNotFound) {
		metrics.ObserveWorkerTask("lost")
		c.logger.Debug("nothing acquired", fields...)
		return
	}
	c.logger.Warn("acquire failed", fields...)
}
