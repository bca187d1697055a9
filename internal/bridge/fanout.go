package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies events delivered to owner subscriptions.
type EventType string

// Event type constants.
const (
	EventTelemetry        EventType = "telemetry"
	EventDeviceOnline     EventType = "device_online"
	EventDeviceOffline    EventType = "device_offline"
	EventDeviceAdded      EventType = "device_added"
	EventCommandCompleted EventType = "command_completed"
)

// Event is a single owner-scoped notification.
type Event struct {
	Type      EventType      `json:"type"`
	DeviceID  string         `json:"device_id,omitempty"`
	GatewayID string         `json:"gateway_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription is one consumer's bounded event queue.
//
// Events are delivered on a buffered channel. When a consumer falls
// behind, the oldest queued event is dropped to make room for the
// newest: a slow websocket must never stall ingest, and recent state
// matters more than stale state.
type Subscription struct {
	ownerID string
	ch      chan Event
}

// Events returns the receive side of the subscription queue.
// The channel is closed when the subscription is cancelled or the
// fanout shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// OwnerID returns the owner this subscription is scoped to.
func (s *Subscription) OwnerID() string {
	return s.ownerID
}

// Fanout distributes events to per-owner subscriptions.
//
// Delivery is scoped: an owner only ever receives events for devices
// behind gateways they have claimed. Emit never blocks.
//
// All methods are safe for concurrent use.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{} // ownerID -> subscriptions
	buffer int
	closed bool

	// dropped counts events discarded because a subscriber was full.
	dropped atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewFanout creates an event fanout with the given per-subscription
// queue depth.
func NewFanout(buffer int) *Fanout {
	if buffer <= 0 {
		buffer = 64
	}
	return &Fanout{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// SetLogger sets the logger used for overflow warnings.
func (f *Fanout) SetLogger(logger Logger) {
	f.loggerMu.Lock()
	f.logger = logger
	f.loggerMu.Unlock()
}

// Subscribe registers a new subscription scoped to an owner.
// Returns nil if the fanout has already been closed.
func (f *Fanout) Subscribe(ownerID string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	s := &Subscription{
		ownerID: ownerID,
		ch:      make(chan Event, f.buffer),
	}
	if f.subs[ownerID] == nil {
		f.subs[ownerID] = make(map[*Subscription]struct{})
	}
	f.subs[ownerID][s] = struct{}{}
	return s
}

// Unsubscribe cancels a subscription and closes its channel.
// Safe to call more than once.
func (f *Fanout) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.subs[s.ownerID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(f.subs, s.ownerID)
	}
	close(s.ch)
}

// Emit delivers an event to every subscription of the given owner.
//
// Events for an empty owner ID (devices behind unclaimed gateways) are
// discarded. Full subscriber queues drop their oldest event; if the
// queue cannot accept the event even then, it is counted as dropped.
func (f *Fanout) Emit(ownerID string, ev Event) {
	if ownerID == "" {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := range f.subs[ownerID] {
		select {
		case s.ch <- ev:
			continue
		default:
		}

		// Queue full: drop oldest, then retry once.
		select {
		case <-s.ch:
		default:
		}

		select {
		case s.ch <- ev:
			f.dropped.Add(1)
			f.logOverflow(ownerID)
		default:
			f.dropped.Add(1)
			f.logOverflow(ownerID)
		}
	}
}

// Dropped returns the total number of events discarded due to slow
// subscribers.
func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions for an owner.
func (f *Fanout) SubscriberCount(ownerID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[ownerID])
}

// Close cancels all subscriptions. Subsequent Subscribe calls return nil
// and Emit calls are no-ops.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for owner, set := range f.subs {
		for s := range set {
			close(s.ch)
		}
		delete(f.subs, owner)
	}
}

func (f *Fanout) logOverflow(ownerID string) {
	f.loggerMu.RLock()
	logger := f.logger
	f.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn("event queue overflow, dropped oldest event",
			"owner_id", ownerID,
			"total_dropped", f.dropped.Load(),
		)
	}
}
