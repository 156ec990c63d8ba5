package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

// Store provides an in-memory implementation of broker.Store for
// development and tests. Listings follow insertion order.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]broker.Task
	order     []string
	keys      map[string]string
	clients   map[string]broker.Client
	clientIDs []string
	artifacts []broker.Artifact
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		tasks:   make(map[string]broker.Task),
		keys:    make(map[string]string),
		clients: make(map[string]broker.Client),
	}
}

var _ broker.Store = (*Store)(nil)

func taskKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// CreateTask stores a new task.
func (s *Store) CreateTask(_ context.Context, task broker.Task) (broker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey(task.Namespace, task.Key)
	if _, exists := s.keys[k]; exists {
		return broker.Task{}, broker.ErrKeyConflict
	}
	if _, exists := s.tasks[task.ID]; exists {
		return broker.Task{}, broker.ErrKeyConflict
	}
	s.tasks[task.ID] = cloneTask(task)
	s.keys[k] = task.ID
	s.order = append(s.order, task.ID)
	return cloneTask(task), nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(_ context.Context, id string) (broker.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return broker.Task{}, broker.ErrNotFound
	}
	return cloneTask(task), nil
}

// FindTaskByKey fetches a task by its natural key.
func (s *Store) FindTaskByKey(_ context.Context, namespace, key string) (broker.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[taskKey(namespace, key)]
	if !ok {
		return broker.Task{}, broker.ErrNotFound
	}
	return cloneTask(s.tasks[id]), nil
}

// ListTasks returns copies of the tasks matching filter.
func (s *Store) ListTasks(_ context.Context, filter broker.TaskFilter) ([]broker.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order
	if filter.Newest {
		ids = slices.Clone(ids)
		slices.Reverse(ids)
	}
	var out []broker.Task
	skipped := 0
	for _, id := range ids {
		task := s.tasks[id]
		if !matches(task, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, cloneTask(task))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ClaimTask assigns the task to clientID when it is free or already held by
// clientID.
func (s *Store) ClaimTask(_ context.Context, id, clientID string, startTime, now time.Time) (broker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return broker.Task{}, broker.ErrNotFound
	}
	if !task.Unassigned() && !task.HeldBy(clientID) {
		return broker.Task{}, broker.ErrAlreadyAcquired
	}
	task.CompleterID = pointer(clientID)
	task.StartTime = pointer(startTime)
	task.Completed = false
	task.UpdatedAt = now
	s.tasks[id] = task
	return cloneTask(task), nil
}

// CompleteTask marks the task completed when clientID holds it.
func (s *Store) CompleteTask(_ context.Context, id, clientID string, now time.Time) (broker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return broker.Task{}, broker.ErrNotFound
	}
	if !task.HeldBy(clientID) {
		return broker.Task{}, broker.ErrNotAcquiredByCaller
	}
	task.Completed = true
	task.UpdatedAt = now
	s.tasks[id] = task
	return cloneTask(task), nil
}

// CountUnassigned counts tasks no worker holds.
func (s *Store) CountUnassigned(_ context.Context, namespace, variant string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, task := range s.tasks {
		if task.Namespace == namespace && task.Variant == variant && task.Unassigned() {
			n++
		}
	}
	return n, nil
}

// UpsertClient creates or replaces a client row.
func (s *Store) UpsertClient(_ context.Context, client broker.Client) (broker.Client, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clients[client.ID]
	if ok {
		client.CreatedAt = existing.CreatedAt
	} else {
		client.CreatedAt = client.UpdatedAt
		s.clientIDs = append(s.clientIDs, client.ID)
	}
	client.Capabilities = slices.Clone(client.Capabilities)
	s.clients[client.ID] = client
	return cloneClient(client), !ok, nil
}

// GetClient fetches a client by ID.
func (s *Store) GetClient(_ context.Context, id string) (broker.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[id]
	if !ok {
		return broker.Client{}, broker.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// ListClients lists clients in a namespace; an empty namespace lists all.
func (s *Store) ListClients(_ context.Context, namespace string, limit, offset int) ([]broker.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []broker.Client
	skipped := 0
	for _, id := range s.clientIDs {
		client := s.clients[id]
		if namespace != "" && client.Namespace != namespace {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, cloneClient(client))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TouchClient updates liveness fields.
func (s *Store) TouchClient(_ context.Context, id string, online bool, at time.Time) (broker.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[id]
	if !ok {
		return broker.Client{}, broker.ErrClientNotFound
	}
	client.Online = online
	client.LastHeartbeat = at
	client.UpdatedAt = at
	s.clients[id] = client
	return cloneClient(client), nil
}

// CreateArtifacts stores artifact rows.
func (s *Store) CreateArtifacts(_ context.Context, artifacts []broker.Artifact) ([]broker.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, artifacts...)
	return slices.Clone(artifacts), nil
}

// FindArtifact returns the most recent artifact with the given name and type.
func (s *Store) FindArtifact(_ context.Context, namespace, name, kind string) (broker.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.artifacts) - 1; i >= 0; i-- {
		a := s.artifacts[i]
		if a.Namespace == namespace && a.Name == name && a.Type == kind {
			return a, nil
		}
	}
	return broker.Artifact{}, broker.ErrNotFound
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func matches(task broker.Task, f broker.TaskFilter) bool {
	switch {
	case f.Namespace != "" && task.Namespace != f.Namespace:
		return false
	case f.Variant != "" && task.Variant != f.Variant:
		return false
	case f.CompleterID != "" && !task.HeldBy(f.CompleterID):
		return false
	case f.Unassigned && !task.Unassigned():
		return false
	case f.Open && task.Completed:
		return false
	}
	return true
}

func cloneTask(t broker.Task) broker.Task {
	if t.CompleterID != nil {
		t.CompleterID = pointer(*t.CompleterID)
	}
	if t.StartTime != nil {
		t.StartTime = pointer(*t.StartTime)
	}
	if t.RefererID != nil {
		t.RefererID = pointer(*t.RefererID)
	}
	t.Data = slices.Clone(t.Data)
	return t
}

func cloneClient(c broker.Client) broker.Client {
	c.Capabilities = slices.Clone(c.Capabilities)
	return c
}

func pointer[T any](v T) *T {
	return &v
}
