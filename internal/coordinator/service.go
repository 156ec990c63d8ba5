package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/counter"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/keymutex"
	"github.com/JakeFAU/taskbroker/internal/metrics"
)

// DefaultVariant is assigned to tasks and workers that do not name one.
const DefaultVariant = "default"

const (
	defaultAcquireBatchSize  = 100
	defaultHeartbeatInterval = 10 * time.Second
)

// Store is the persistence surface the service needs.
type Store interface {
	broker.TaskStore
	broker.ClientStore
}

// Config tunes the service.
type Config struct {
	DefaultNamespace  string
	AcquireBatchSize  int
	HeartbeatInterval time.Duration
}

// Deps are the collaborators the service orchestrates.
type Deps struct {
	Store  Store
	Locks  *keymutex.Mutex
	Counts *counter.Cache
	Bus    *events.Bus
	Clock  broker.Clock
	IDs    broker.IDGenerator
	Logger *zap.Logger
}

// Service creates, suggests, hands out and completes tasks.
type Service struct {
	cfg    Config
	store  Store
	locks  *keymutex.Mutex
	counts *counter.Cache
	bus    *events.Bus
	clock  broker.Clock
	ids    broker.IDGenerator
	logger *zap.Logger

	// streams counts open event streams per client id.
	streamsMu sync.Mutex
	streams   map[string]int
}

// New wires a Service and subscribes it to counter changes so every
// mutation is pushed to the variant's channel.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("coordinator: store is required")
	case deps.Counts == nil:
		return nil, errors.New("coordinator: counter cache is required")
	case deps.Bus == nil:
		return nil, errors.New("coordinator: event bus is required")
	case deps.Clock == nil:
		return nil, errors.New("coordinator: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("coordinator: id generator is required")
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = broker.DefaultNamespace
	}
	if cfg.AcquireBatchSize <= 0 {
		cfg.AcquireBatchSize = defaultAcquireBatchSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	locks := deps.Locks
	if locks == nil {
		locks = keymutex.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:     cfg,
		store:   deps.Store,
		locks:   locks,
		counts:  deps.Counts,
		bus:     deps.Bus,
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  logger,
		streams: make(map[string]int),
	}
	s.counts.OnChange(s.publishCount)
	return s, nil
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Namespace   string          `json:"namespace"`
	Key         string          `json:"key"`
	Variant     string          `json:"variant"`
	Data        json.RawMessage `json:"data,omitempty"`
	Description string          `json:"description,omitempty"`
	RefererID   *string         `json:"refererID,omitempty"`
}

// Create inserts a task unless its key already exists in the namespace,
// bumps the pending counter and suggests the task to matching workers.
func (s *Service) Create(ctx context.Context, req CreateRequest) (broker.Task, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return broker.Task{}, fmt.Errorf("%w: key is required", broker.ErrInvalidArgument)
	}
	ns := s.namespace(req.Namespace)
	variant := req.Variant
	if variant == "" {
		variant = DefaultVariant
	}

	task, err := keymutex.WithLock(ctx, s.locks, keymutex.TaskCreateKey(ns, key),
		func(ctx context.Context) (broker.Task, error) {
			_, err := s.store.FindTaskByKey(ctx, ns, key)
			switch {
			case err == nil:
				return broker.Task{}, broker.ErrKeyConflict
			case !errors.Is(err, broker.ErrNotFound):
				return broker.Task{}, fmt.Errorf("find task by key: %w", err)
			}
			id, err := s.ids.NewID()
			if err != nil {
				return broker.Task{}, err
			}
			now := s.clock.Now()
			return s.store.CreateTask(ctx, broker.Task{
				ID:          id,
				Namespace:   ns,
				Key:         key,
				Variant:     variant,
				Data:        req.Data,
				Description: req.Description,
				RefererID:   req.RefererID,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		})
	if err != nil {
		if errors.Is(err, broker.ErrKeyConflict) {
			metrics.ObserveCreateConflict()
		}
		return broker.Task{}, err
	}
	metrics.ObserveTaskCreated(task.Variant)

	if _, err := s.counts.Increment(ctx, task.Variant); err != nil {
		s.logger.Warn("increment pending counter failed",
			zap.String("variant", task.Variant),
			zap.Error(err),
		)
	}
	s.suggestToVariant(ctx, task)
	return task, nil
}

func (s *Service) suggestToVariant(ctx context.Context, task broker.Task) {
	clients, err := s.store.ListClients(ctx, task.Namespace, 0, 0)
	if err != nil {
		s.logger.Warn("list clients for suggestion failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	delivered := 0
	for _, c := range clients {
		if c.Variant != task.Variant {
			continue
		}
		delivered += s.bus.Publish(events.ClientChannel(c.ID), events.TaskEvent(events.TypeTaskSuggested, task, c.ID))
	}
	metrics.ObserveSuggestions("create", delivered)
}

// CompleteRequest names the task being completed and the caller.
type CompleteRequest struct {
	ID       string `json:"id"`
	ClientID string `json:"clientID"`
}

// Complete marks a task completed by the worker that holds it.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (broker.Task, error) {
	if req.ID == "" || req.ClientID == "" {
		return broker.Task{}, fmt.Errorf("%w: id and clientID are required", broker.ErrInvalidArgument)
	}
	task, err := s.store.GetTask(ctx, req.ID)
	if err != nil {
		return broker.Task{}, err
	}
	if !task.HeldBy(req.ClientID) {
		return broker.Task{}, broker.ErrNotAcquiredByCaller
	}
	done, err := keymutex.WithLock(ctx, s.locks, keymutex.TaskKey(task.Namespace, task.ID),
		func(ctx context.Context) (broker.Task, error) {
			return s.store.CompleteTask(ctx, task.ID, req.ClientID, s.clock.Now())
		})
	if err != nil {
		return broker.Task{}, err
	}
	metrics.ObserveTaskCompleted(done.Variant)
	s.bus.Publish(events.Global, events.TaskEvent(events.TypeTaskCompleted, done, req.ClientID))
	s.logger.Info("task completed",
		zap.String("task_id", done.ID),
		zap.String("client_id", req.ClientID),
	)
	return done, nil
}

// Resync overwrites the pending counter for variant with the store's exact
// unassigned count.
func (s *Service) Resync(ctx context.Context, namespace, variant string) (int64, error) {
	if variant == "" {
		return 0, fmt.Errorf("%w: variant is required", broker.ErrInvalidArgument)
	}
	n, err := s.store.CountUnassigned(ctx, s.namespace(namespace), variant)
	if err != nil {
		return 0, fmt.Errorf("count unassigned %q: %w", variant, err)
	}
	if err := s.counts.Set(ctx, variant, n); err != nil {
		return 0, err
	}
	return n, nil
}

// ResyncAll resyncs every variant the counter cache tracks and broadcasts the
// resulting snapshot.
func (s *Service) ResyncAll(ctx context.Context, namespace string) (map[string]int64, error) {
	variants, err := s.counts.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(variants))
	for _, v := range variants {
		n, err := s.Resync(ctx, namespace, v)
		if err != nil {
			return nil, err
		}
		out[v] = n
	}
	s.bus.Publish(events.Global, events.SnapshotEvent(out))
	return out, nil
}

// PendingCount returns the cached estimate for one variant.
func (s *Service) PendingCount(ctx context.Context, variant string) (int64, error) {
	return s.counts.Get(ctx, variant)
}

// PendingCounts returns every cached estimate.
func (s *Service) PendingCounts(ctx context.Context) (map[string]int64, error) {
	return s.counts.Snapshot(ctx)
}

// RunHeartbeat publishes a heartbeat on the global channel every interval
// until ctx is done.
func (s *Service) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.bus.Publish(events.Global, events.Event{Type: events.TypeHeartbeat})
		}
	}
}

// Namespace resolves an empty namespace to the configured default.
func (s *Service) Namespace(ns string) string {
	return s.namespace(ns)
}

func (s *Service) namespace(ns string) string {
	return broker.NamespaceOr(ns, s.cfg.DefaultNamespace)
}

func (s *Service) publishCount(change counter.Change) {
	metrics.SetPending(change.Variant, change.Value)
	s.bus.Publish(events.VariantChannel(change.Variant), events.CountEvent(change.Variant, change.Value))
}
