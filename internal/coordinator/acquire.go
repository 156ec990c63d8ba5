package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/keymutex"
	"github.com/JakeFAU/taskbroker/internal/metrics"
)

// errCandidateTaken marks a candidate another worker already holds.
var errCandidateTaken = errors.New("candidate held by another worker")

// AcquireRequest asks for a task on behalf of a worker. When ID is set only
// that task is considered; otherwise unassigned tasks of the variant are
// scanned.
type AcquireRequest struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientID"`
	Namespace string `json:"namespace"`
	Variant   string `json:"variant"`
}

type claim struct {
	task  broker.Task
	fresh bool
}

// Acquire assigns the first available candidate to the caller. It returns
// ErrNotFound when there are no candidates and ErrAlreadyAcquired when every
// candidate is held by someone else.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (broker.Task, error) {
	if req.ClientID == "" {
		return broker.Task{}, fmt.Errorf("%w: clientID is required", broker.ErrInvalidArgument)
	}
	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return broker.Task{}, err
	}
	if len(candidates) == 0 {
		metrics.ObserveAcquire("not_found")
		return broker.Task{}, broker.ErrNotFound
	}

	for _, cand := range candidates {
		won, err := keymutex.WithLock(ctx, s.locks, keymutex.TaskKey(cand.Namespace, cand.ID),
			func(ctx context.Context) (claim, error) {
				return s.claim(ctx, cand.ID, req.ClientID)
			})
		if errors.Is(err, errCandidateTaken) {
			continue
		}
		if err != nil {
			return broker.Task{}, err
		}
		// The counter moves only once the claim is committed, and only for
		// an unassigned to assigned transition.
		if won.fresh {
			if _, err := s.counts.Decrement(ctx, won.task.Variant); err != nil {
				s.logger.Warn("decrement pending counter failed",
					zap.String("variant", won.task.Variant),
					zap.Error(err),
				)
			}
		}
		metrics.ObserveAcquire("won")
		s.logger.Info("task acquired",
			zap.String("task_id", won.task.ID),
			zap.String("client_id", req.ClientID),
			zap.Bool("reacquired", !won.fresh),
		)
		return won.task, nil
	}
	metrics.ObserveAcquire("acquired")
	return broker.Task{}, broker.ErrAlreadyAcquired
}

func (s *Service) candidates(ctx context.Context, req AcquireRequest) ([]broker.Task, error) {
	if req.ID != "" {
		task, err := s.store.GetTask(ctx, req.ID)
		if errors.Is(err, broker.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", req.ID, err)
		}
		return []broker.Task{task}, nil
	}
	variant, err := s.scanVariant(ctx, req)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, broker.TaskFilter{
		Namespace:  s.namespace(req.Namespace),
		Variant:    variant,
		Unassigned: true,
		Open:       true,
		Limit:      s.cfg.AcquireBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("scan candidates: %w", err)
	}
	return tasks, nil
}

// scanVariant resolves the variant a scan is restricted to. Without an
// explicit one the caller's registered variant applies, then DefaultVariant;
// the scan never matches tasks of every variant.
func (s *Service) scanVariant(ctx context.Context, req AcquireRequest) (string, error) {
	if req.Variant != "" {
		return req.Variant, nil
	}
	client, err := s.store.GetClient(ctx, req.ClientID)
	switch {
	case err == nil && client.Variant != "":
		return client.Variant, nil
	case err != nil && !errors.Is(err, broker.ErrClientNotFound):
		return "", fmt.Errorf("get client %s: %w", req.ClientID, err)
	}
	return DefaultVariant, nil
}

// claim runs under the task lock. The candidate list is stale by
// construction, so the row is read again before mutating it.
func (s *Service) claim(ctx context.Context, taskID, clientID string) (claim, error) {
	current, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, broker.ErrNotFound) {
		return claim{}, errCandidateTaken
	}
	if err != nil {
		return claim{}, fmt.Errorf("reload task %s: %w", taskID, err)
	}
	if !current.Unassigned() && !current.HeldBy(clientID) {
		return claim{}, errCandidateTaken
	}

	now := s.clock.Now()
	start := now
	if current.HeldBy(clientID) && !current.Completed && current.StartTime != nil {
		start = *current.StartTime
	}
	task, err := s.store.ClaimTask(ctx, current.ID, clientID, start, now)
	if errors.Is(err, broker.ErrAlreadyAcquired) {
		return claim{}, errCandidateTaken
	}
	if err != nil {
		return claim{}, fmt.Errorf("claim task %s: %w", taskID, err)
	}

	s.bus.Publish(events.Global, events.TaskEvent(events.TypeTaskAcquiring, task, clientID))
	s.touchClient(ctx, task.Namespace, clientID, now)
	s.bus.Publish(events.Global, events.TaskEvent(events.TypeTaskAcquired, task, clientID))
	return claim{task: task, fresh: current.Unassigned()}, nil
}

// touchClient refreshes the worker's heartbeat. It nests inside the task lock
// and is the only place the two locks are held together.
func (s *Service) touchClient(ctx context.Context, namespace, clientID string, at time.Time) {
	err := s.locks.Do(ctx, keymutex.ClientKey(namespace, clientID), func(ctx context.Context) error {
		_, err := s.store.TouchClient(ctx, clientID, true, at)
		return err
	})
	if err != nil {
		s.logger.Debug("touch client on acquire failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
}
