// Package coordinator implements task creation, suggestion, acquisition and
// completion on top of the task store, the keyed mutex, the counter cache
// and the event bus.
//
// Lock keys follow keymutex's builders. When both are held, the task lock is
// always taken before the client lock. Counter mutations happen after the
// store write they accompany has committed and are not transactional with
// it; Resync and ResyncAll correct any drift.
package coordinator
