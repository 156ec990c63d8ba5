// Package system provides the wall clock the broker stamps tasks with.
package system

import "time"

// Clock implements broker.Clock. Times are UTC and truncated to the
// microsecond, the precision Postgres keeps, so a task read back from either
// store carries the same timestamps it was written with.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
