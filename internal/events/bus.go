package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// It is the central communication backbone of Energizer, built on Go
// channels and goroutines.
//
// Events sharing an InstanceID are delivered in FIFO order relative to each
// other: each instance id gets its own lazily-spawned single-goroutine
// queue, so a server's announce/status/lobby events can never be reordered
// by goroutine scheduling, while different instances remain fully
// concurrent with one another. Events with InstanceID == 0 share a single
// global queue.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup

	queueMu sync.Mutex
	queues  map[int]chan func()
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
		queues:   make(map[int]chan func()),
	}
}

// queueFor returns the FIFO queue for an instance id, spawning its
// processing goroutine on first use.
func (eb *EventBus) queueFor(instanceID int) chan func() {
	eb.queueMu.Lock()
	defer eb.queueMu.Unlock()

	if q, ok := eb.queues[instanceID]; ok {
		return q
	}

	q := make(chan func(), 64)
	eb.queues[instanceID] = q
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for fn := range q {
			fn()
		}
	}()
	return q
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit publishes an event to all subscribed handlers. Handlers for a single
// event run concurrently with one another, but the event itself is handed
// to event.InstanceID's FIFO queue, so two events emitted for the same
// instance are always dispatched in the order they were emitted.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return
	}

	handlers, exists := eb.handlers[event.Type]
	if !exists || len(handlers) == 0 {
		eb.mu.RUnlock()
		return
	}
	handlersCopy := make([]handlerEntry, len(handlers))
	copy(handlersCopy, handlers)
	eb.mu.RUnlock()

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlersCopy)).
		Int("instance_id", event.InstanceID).
		Msg("emitting event")

	queue := eb.queueFor(event.InstanceID)
	queue <- func() {
		var wg sync.WaitGroup
		for _, h := range handlersCopy {
			h := h // capture loop variable
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Error().
							Str("event", string(event.Type)).
							Str("handler", h.name).
							Interface("panic", r).
							Msg("handler panicked")
					}
				}()

				if err := h.handler(ctx, event); err != nil {
					log.Error().
						Err(err).
						Str("event", string(event.Type)).
						Str("handler", h.name).
						Msg("handler returned error")
				}
			}()
		}
		wg.Wait()
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}

	handlers, exists := eb.handlers[event.Type]
	if !exists || len(handlers) == 0 {
		eb.mu.RUnlock()
		return nil
	}

	// Copy handlers to release lock before executing
	handlersCopy := make([]handlerEntry, len(handlers))
	copy(handlersCopy, handlers)
	eb.mu.RUnlock()

	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	for _, h := range handlersCopy {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("event", string(event.Type)).
						Str("handler", h.name).
						Interface("panic", r).
						Msg("handler panicked")
				}
			}()

			if err := h.handler(ctx, event); err != nil {
				errOnce.Do(func() { firstErr = err })
				log.Error().
					Err(err).
					Str("event", string(event.Type)).
					Str("handler", h.name).
					Msg("handler returned error")
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// Stop signals the EventBus to stop accepting new events, drains and closes
// every per-instance queue, and waits for all in-flight handlers to complete.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.queueMu.Lock()
	for _, q := range eb.queues {
		close(q)
	}
	eb.queueMu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
