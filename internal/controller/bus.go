package controller

import (
	"sync"
	"time"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// Broadcast event types. These are also the socket message types.
const (
	EventDriverReady       = "DRIVER_READY"
	EventDriverStopped     = "DRIVER_STOPPED"
	EventNodeAdded         = "NODE_ADDED"
	EventNodeRemoved       = "NODE_REMOVED"
	EventNodeStatusChanged = "NODE_STATUS_CHANGED"
	EventManufacturerProp  = "MANUFACTURER_PROPRIETARY_COMMAND"
	EventError             = "ERROR"
)

// Event is one broadcast delivered to every subscriber.
type Event struct {
	Type    string
	Data    any
	Message string
	At      time.Time
}

// NodeEventData is the payload of node lifecycle events.
type NodeEventData struct {
	NodeID int              `json:"nodeId"`
	Status zwave.NodeStatus `json:"status,omitempty"`
}

// Bus fans events out to named subscribers. Each subscriber sees events in
// publish order; a subscriber whose buffer is full misses the event.
type Bus struct {
	log zwave.Logger

	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewBus creates an empty bus.
func NewBus(log zwave.Logger) *Bus {
	if log == nil {
		log = zwave.NopLogger{}
	}
	return &Bus{log: log, subs: make(map[string]chan Event)}
}

// Subscribe registers name and returns its channel plus a function that
// unsubscribes and closes the channel. Subscribing an existing name
// replaces the previous subscription.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	b.subs[name] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.subs[name]; ok && cur == ch {
				delete(b.subs, name)
				close(ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event subscriber full, dropping event", "subscriber", name, "type", ev.Type)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
