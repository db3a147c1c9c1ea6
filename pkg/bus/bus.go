package bus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is a typed snapshot published by a component. Data is an immutable
// payload struct; subscribers must not mutate it.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Handler processes a single event. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is an in-process fan-out of component events. Delivery is synchronous
// so events for a single order keep their causal order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler // event type -> subscriber id -> handler
	all    map[int]Handler
	logger *logrus.Entry
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[string]map[int]Handler),
		all:    make(map[int]Handler),
		logger: logrus.WithField("component", "event-bus"),
	}
}

// Subscription identifies a registered handler.
type Subscription struct {
	bus       *Bus
	eventType string
	id        int
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]Handler)
	}
	b.subs[eventType][b.nextID] = h
	return &Subscription{bus: b, eventType: eventType, id: b.nextID}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.all[b.nextID] = h
	return &Subscription{bus: b, id: b.nextID}
}

// Unsubscribe removes the handler.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.eventType == "" {
		delete(s.bus.all, s.id)
		return
	}
	if m := s.bus.subs[s.eventType]; m != nil {
		delete(m, s.id)
	}
}

// Publish delivers the event to all matching handlers. A panicking handler
// is logged and skipped so one subscriber cannot break the execution path.
func (b *Bus) Publish(eventType string, data interface{}) {
	evt := Event{Type: eventType, At: time.Now(), Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[eventType])+len(b.all))
	for _, h := range b.subs[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber panic on %s: %v", evt.Type, r)
		}
	}()
	h(evt)
}
