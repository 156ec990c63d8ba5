package events

import (
	"time"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

// Type names an event on the bus and on the wire.
type Type string

// Event types.
const (
	TypeHello             Type = "hello"
	TypeHeartbeat         Type = "heartbeat"
	TypeTaskSuggested     Type = "task_suggested"
	TypeTaskAcquiring     Type = "task_acquiring"
	TypeTaskAcquired      Type = "task_acquired"
	TypeTaskCompleted     Type = "task_completed"
	TypeSyncCacheCount    Type = "sync_cache_count"
	TypeSyncCacheCountSub Type = "sync_cache_count_sub"
)

// Event is a notification delivered to subscribers. Fields beyond Type are
// populated according to the event type.
type Event struct {
	Type     Type             `json:"type"`
	ID       string           `json:"id,omitempty"`
	Key      string           `json:"key,omitempty"`
	Variant  string           `json:"variant,omitempty"`
	ClientID string           `json:"clientID,omitempty"`
	Task     *broker.Task     `json:"task,omitempty"`
	Value    *int64           `json:"value,omitempty"`
	Cache    map[string]int64 `json:"cache,omitempty"`
}

// Envelope is the wire framing of one event.
type Envelope struct {
	Event Event `json:"event"`
	// Time is the receipt timestamp in Unix milliseconds.
	Time int64 `json:"time"`
}

// Wrap frames evt with the receipt time at.
func Wrap(evt Event, at time.Time) Envelope {
	return Envelope{Event: evt, Time: at.UnixMilli()}
}

// TaskEvent builds a task lifecycle event.
func TaskEvent(t Type, task broker.Task, clientID string) Event {
	return Event{
		Type:     t,
		ID:       task.ID,
		Key:      task.Key,
		Variant:  task.Variant,
		ClientID: clientID,
		Task:     &task,
	}
}

// CountEvent builds a sync_cache_count_sub event for one variant.
func CountEvent(variant string, value int64) Event {
	return Event{Type: TypeSyncCacheCountSub, Variant: variant, Value: &value}
}

// SnapshotEvent builds a sync_cache_count event carrying every counter.
func SnapshotEvent(cache map[string]int64) Event {
	return Event{Type: TypeSyncCacheCount, Cache: cache}
}
