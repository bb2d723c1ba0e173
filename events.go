package sealbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// EventType names a storage transition
type EventType string

const (
	EventEncrypted    EventType = "encrypted"
	EventDecrypted    EventType = "decrypted"
	EventDeleted      EventType = "deleted"
	EventCleared      EventType = "cleared"
	EventExpired      EventType = "expired"
	EventError        EventType = "error"
	EventKeyRotated   EventType = "keyRotated"
	EventCompressed   EventType = "compressed"
	EventDecompressed EventType = "decompressed"
)

// EventTypes lists every event kind
var EventTypes = []EventType{
	EventEncrypted, EventDecrypted, EventDeleted, EventCleared, EventExpired,
	EventError, EventKeyRotated, EventCompressed, EventDecompressed,
}

// Event is delivered to listeners. Key is the logical key when the event
// concerns a single entry.
type Event struct {
	Type      EventType
	Key       string
	Timestamp time.Time
	Metadata  map[string]interface{}
	Err       error
}

// Listener handles an event. It runs on the emitting goroutine.
type Listener func(Event)

// ListenerID identifies a subscription for Off
type ListenerID uint64

type subscription struct {
	id   ListenerID
	fn   Listener
	once bool
}

// EventBus is a synchronous in-process publish/subscribe bus
type EventBus struct {
	mu        sync.RWMutex
	listeners map[EventType][]subscription
	nextID    ListenerID
	logger    hclog.Logger
	clock     func() time.Time
}

func NewEventBus(logger hclog.Logger) *EventBus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EventBus{
		listeners: make(map[EventType][]subscription),
		logger:    logger,
		clock:     time.Now,
	}
}

// On subscribes fn to every event of the given type
func (b *EventBus) On(eventType EventType, fn Listener) ListenerID {
	return b.subscribe(eventType, fn, false)
}

// Once subscribes fn for the next event of the given type only
func (b *EventBus) Once(eventType EventType, fn Listener) ListenerID {
	return b.subscribe(eventType, fn, true)
}

func (b *EventBus) subscribe(eventType EventType, fn Listener, once bool) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[eventType] = append(b.listeners[eventType], subscription{id: b.nextID, fn: fn, once: once})
	return b.nextID
}

// Off removes a subscription. It reports whether one was removed.
func (b *EventBus) Off(eventType EventType, id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(eventType, id)
}

func (b *EventBus) removeLocked(eventType EventType, id ListenerID) bool {
	subs := b.listeners[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.listeners[eventType] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAllListeners drops the listeners of the given types, or of every
// type when none are given
func (b *EventBus) RemoveAllListeners(eventTypes ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventTypes) == 0 {
		b.listeners = make(map[EventType][]subscription)
		return
	}
	for _, t := range eventTypes {
		delete(b.listeners, t)
	}
}

func (b *EventBus) ListenerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}

// Emit stamps the event and calls a snapshot of the current listeners in
// subscription order. A panicking listener is logged and skipped.
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock()
	}

	b.mu.Lock()
	subs := append([]subscription(nil), b.listeners[event.Type]...)
	for _, sub := range subs {
		if sub.once {
			b.removeLocked(event.Type, sub.id)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}
}

func (b *EventBus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event", string(event.Type), "listener", uint64(sub.id), "panic", fmt.Sprint(r))
		}
	}()
	sub.fn(event)
}
