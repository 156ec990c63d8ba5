package broker

import "errors"

var (
	// ErrKeyConflict is returned when a task with the same key already exists
	// in the namespace.
	ErrKeyConflict = errors.New("task key already exists")
	// ErrAlreadyAcquired is returned when every candidate task is held by
	// another worker.
	ErrAlreadyAcquired = errors.New("task already acquired")
	// ErrNotFound is returned when no matching task or artifact exists.
	ErrNotFound = errors.New("not found")
	// ErrNotAcquiredByCaller is returned when a worker completes a task it
	// does not hold.
	ErrNotAcquiredByCaller = errors.New("task not acquired by caller")
	// ErrClientNotFound is returned for operations naming an unknown worker.
	ErrClientNotFound = errors.New("client not found")
	// ErrInvalidArgument marks malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)
