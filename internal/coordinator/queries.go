package coordinator

import (
	"context"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (broker.Task, error) {
	return s.store.GetTask(ctx, id)
}

// TasksByClient lists tasks held by a worker.
func (s *Service) TasksByClient(ctx context.Context, clientID string, limit, offset int) ([]broker.Task, error) {
	return s.store.ListTasks(ctx, broker.TaskFilter{CompleterID: clientID, Limit: limit, Offset: offset})
}

// TasksByVariant lists tasks of one variant in a namespace.
func (s *Service) TasksByVariant(ctx context.Context, namespace, variant string, limit, offset int) ([]broker.Task, error) {
	return s.store.ListTasks(ctx, broker.TaskFilter{
		Namespace: s.namespace(namespace),
		Variant:   variant,
		Limit:     limit,
		Offset:    offset,
	})
}

// PreviewTasks lists the most recently created tasks.
func (s *Service) PreviewTasks(ctx context.Context, namespace string, limit int) ([]broker.Task, error) {
	return s.store.ListTasks(ctx, broker.TaskFilter{
		Namespace: s.namespace(namespace),
		Limit:     limit,
		Newest:    true,
	})
}
