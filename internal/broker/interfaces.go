package broker

import (
	"context"
	"time"
)

// TaskStore persists tasks.
type TaskStore interface {
	// CreateTask inserts a task. A duplicate (namespace, key) yields ErrKeyConflict.
	CreateTask(ctx context.Context, task Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	FindTaskByKey(ctx context.Context, namespace, key string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	// ClaimTask assigns the task to clientID only if it is unassigned or
	// already held by clientID, and returns the refetched row. Any other
	// holder yields ErrAlreadyAcquired.
	ClaimTask(ctx context.Context, id, clientID string, startTime, now time.Time) (Task, error)
	// CompleteTask marks the task completed only if clientID holds it.
	CompleteTask(ctx context.Context, id, clientID string, now time.Time) (Task, error)
	CountUnassigned(ctx context.Context, namespace, variant string) (int64, error)
}

// ClientStore persists worker registrations.
type ClientStore interface {
	// UpsertClient creates or replaces the client row and reports whether it
	// was newly created.
	UpsertClient(ctx context.Context, client Client) (Client, bool, error)
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context, namespace string, limit, offset int) ([]Client, error)
	// TouchClient records liveness for the client.
	TouchClient(ctx context.Context, id string, online bool, at time.Time) (Client, error)
}

// ArtifactStore persists artifact metadata.
type ArtifactStore interface {
	CreateArtifacts(ctx context.Context, artifacts []Artifact) ([]Artifact, error)
	FindArtifact(ctx context.Context, namespace, name, kind string) (Artifact, error)
}

// Store bundles every persistence contract the broker needs.
type Store interface {
	TaskStore
	ClientStore
	ArtifactStore
	Ping(ctx context.Context) error
	Close()
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
