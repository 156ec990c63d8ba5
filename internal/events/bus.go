package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/taskbroker/internal/metrics"
)

// Channel names a delivery scope on the bus.
type Channel string

// Global reaches every connected worker.
const Global Channel = "global"

// ClientChannel targets a single worker.
func ClientChannel(clientID string) Channel {
	return Channel("client:" + clientID)
}

// VariantChannel reaches every worker subscribed to a work variant.
func VariantChannel(variant string) Channel {
	return Channel("variant:" + variant)
}

const (
	defaultSubscriberBuffer = 64
	dropLogInterval         = 5 * time.Second
)

// Bus is an in-process publish/subscribe hub. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[Channel]map[uint64]*Subscription
	nextID   atomic.Uint64

	dropLog rate.Sometimes
	dropped atomic.Int64
}

// NewBus returns an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger,
		channels: make(map[Channel]map[uint64]*Subscription),
		dropLog:  rate.Sometimes{Interval: dropLogInterval},
	}
}

// Subscription receives events from one or more channels on a single Go
// channel.
type Subscription struct {
	id       uint64
	bus      *Bus
	channels []Channel
	events   chan Event
	closed   bool
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Channels lists the channels the subscription listens on.
func (s *Subscription) Channels() []Channel {
	return append([]Channel(nil), s.channels...)
}

// Close removes every channel registration at once and closes Events.
// It is safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.channels {
		subs := b.channels[ch]
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.channels, ch)
		}
	}
	close(s.events)
}

// Subscribe registers a subscription on channels with the given buffer size.
func (b *Bus) Subscribe(buffer int, channels ...Channel) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &Subscription{
		id:       b.nextID.Add(1),
		bus:      b,
		channels: dedupe(channels),
		events:   make(chan Event, buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range sub.channels {
		subs, ok := b.channels[ch]
		if !ok {
			subs = make(map[uint64]*Subscription)
			b.channels[ch] = subs
		}
		subs[sub.id] = sub
	}
	return sub
}

// Publish delivers evt to every subscriber of ch and returns how many
// received it.
func (b *Bus) Publish(ch Channel, evt Event) int {
	metrics.ObserveEventPublished(string(evt.Type))
	// Sends happen under the read lock so Close cannot close a channel
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.channels[ch] {
		select {
		case sub.events <- evt:
			delivered++
		default:
			b.drop(ch, evt)
		}
	}
	return delivered
}

// SubscriberCount reports how many subscriptions listen on ch.
func (b *Bus) SubscriberCount(ch Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[ch])
}

func (b *Bus) drop(ch Channel, evt Event) {
	metrics.ObserveEventDropped(string(evt.Type))
	b.dropped.Add(1)
	b.dropLog.Do(func() {
		b.logger.Warn("events dropped for slow subscriber",
			zap.String("channel", string(ch)),
			zap.String("type", string(evt.Type)),
			zap.Int64("dropped", b.dropped.Swap(0)),
		)
	})
}

func dedupe(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
