// Package events is the typed, in-process pub/sub bus inside one Trader
// (spec §4.6). Handlers registered for a given EventType are invoked in
// registration order; sync handlers run on a bounded worker pool so a
// slow handler cannot stall the dispatcher. A handler panic/error is
// logged (and so may itself raise an alarm through the alarm hook) but
// never kills the engine — grounded on the register/emit shape observed
// in aristath-sentinel/trader-go/internal/events/manager.go, generalized
// here to a real fan-out dispatcher with a worker pool, since the
// teacher's version only logs and does not actually dispatch.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventType is one of the fixed event kinds a Trader's engine carries.
type EventType string

const (
	AccountUpdate  EventType = "ACCOUNT_UPDATE"
	OrderUpdate    EventType = "ORDER_UPDATE"
	TradeUpdate    EventType = "TRADE_UPDATE"
	PositionUpdate EventType = "POSITION_UPDATE"
	TickUpdate     EventType = "TICK_UPDATE"
	BarUpdate      EventType = "BAR_UPDATE"
	AccountStatus  EventType = "ACCOUNT_STATUS"
	AlarmUpdate    EventType = "ALARM_UPDATE"
)

// Event is one emitted occurrence: a typed kind plus an opaque payload.
type Event struct {
	Type EventType
	Data any
}

// Handler processes one Event. It must not block indefinitely; the
// engine runs it on a worker-pool goroutine, not inline with Emit.
type Handler func(Event)

// Engine is the dispatcher. Emit enqueues; a fixed-size worker pool
// drains the queue and invokes every handler registered for that event's
// type, in registration order relative to other handlers of the same
// type (spec §4.6 — "no total ordering across event types").
type Engine struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queue   chan Event
	workers int
	wg      sync.WaitGroup
	closeCh chan struct{}
	once    sync.Once
}

// New creates an Engine with the given queue depth and worker count.
func New(log zerolog.Logger, queueDepth, workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Engine{
		log:      log.With().Str("component", "events").Logger(),
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, queueDepth),
		workers:  workers,
		closeCh:  make(chan struct{}),
	}
}

// Register adds a handler for eventType. Handlers for the same type are
// invoked in the order they were registered.
func (e *Engine) Register(eventType EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], h)
}

// Start launches the worker pool. Call once before Emit is used.
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop drains in-flight work and stops the worker pool. It does not
// discard already-queued events; it waits for the queue to close.
func (e *Engine) Stop() {
	e.once.Do(func() {
		close(e.closeCh)
		close(e.queue)
	})
	e.wg.Wait()
}

// Emit enqueues an event for asynchronous dispatch. It never blocks the
// caller on handler execution; if the queue is full it blocks only until
// a worker drains a slot (bounded backpressure, not an unbounded buffer).
func (e *Engine) Emit(eventType EventType, data any) {
	select {
	case e.queue <- Event{Type: eventType, Data: data}:
	case <-e.closeCh:
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.dispatch(ev)
	}
}

func (e *Engine) dispatch(ev Event) {
	e.mu.RLock()
	hs := append([]Handler(nil), e.handlers[ev.Type]...)
	e.mu.RUnlock()

	for _, h := range hs {
		e.invoke(h, ev)
	}
}

func (e *Engine) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
