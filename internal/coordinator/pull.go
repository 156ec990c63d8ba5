package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/metrics"
)

// PullRequest asks the broker to suggest work to idle workers.
type PullRequest struct {
	Namespace string `json:"namespace"`
	ClientID  string `json:"clientID"`
	Repeat    int    `json:"repeat"`
}

// PullResult summarizes a pull.
type PullResult struct {
	Status       string `json:"status"`
	ClientsCount int    `json:"clientsCount"`
	Suggested    int    `json:"suggested"`
}

type group struct {
	namespace string
	variant   string
}

// Pull pairs idle workers with unassigned tasks of their variant and pushes
// one suggestion per pairing. Nothing is reserved.
func (s *Service) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	candidates, err := s.pullCandidates(ctx, req)
	if err != nil {
		return PullResult{}, err
	}

	busy := make(map[string]bool)
	eligible := make([]broker.Client, 0, len(candidates))
	for _, c := range candidates {
		held, seen := busy[c.ID]
		if !seen {
			held, err = s.holdsOpenTask(ctx, c)
			if err != nil {
				return PullResult{}, err
			}
			busy[c.ID] = held
		}
		if !held {
			eligible = append(eligible, c)
		}
	}

	keyOf := func(c broker.Client) group { return group{namespace: c.Namespace, variant: c.Variant} }
	groups := lo.GroupBy(eligible, keyOf)
	order := lo.Uniq(lo.Map(eligible, func(c broker.Client, _ int) group { return keyOf(c) }))

	suggested := 0
	for _, g := range order {
		members := groups[g]
		tasks, err := s.store.ListTasks(ctx, broker.TaskFilter{
			Namespace:  g.namespace,
			Variant:    g.variant,
			Unassigned: true,
			Open:       true,
			Limit:      len(members),
		})
		if err != nil {
			return PullResult{}, fmt.Errorf("list tasks for %s/%s: %w", g.namespace, g.variant, err)
		}
		for i, task := range tasks {
			c := members[i]
			suggested += s.bus.Publish(events.ClientChannel(c.ID), events.TaskEvent(events.TypeTaskSuggested, task, c.ID))
		}
	}
	metrics.ObserveSuggestions("pull", suggested)
	s.logger.Debug("pull processed",
		zap.Int("candidates", len(candidates)),
		zap.Int("eligible", len(eligible)),
		zap.Int("suggested", suggested),
	)
	return PullResult{Status: "ok", ClientsCount: len(candidates), Suggested: suggested}, nil
}

func (s *Service) pullCandidates(ctx context.Context, req PullRequest) ([]broker.Client, error) {
	if req.ClientID == "" {
		clients, err := s.store.ListClients(ctx, s.namespace(req.Namespace), 0, 0)
		if err != nil {
			return nil, fmt.Errorf("list clients: %w", err)
		}
		return clients, nil
	}
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, broker.ErrClientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get client %s: %w", req.ClientID, err)
	}
	return lo.RepeatBy(max(req.Repeat, 1), func(int) broker.Client { return client }), nil
}

func (s *Service) holdsOpenTask(ctx context.Context, c broker.Client) (bool, error) {
	open, err := s.store.ListTasks(ctx, broker.TaskFilter{
		Namespace:   c.Namespace,
		CompleterID: c.ID,
		Open:        true,
		Limit:       1,
	})
	if err != nil {
		return false, fmt.Errorf("list open tasks for %s: %w", c.ID, err)
	}
	return len(open) > 0, nil
}
