// Package handler implements the projection engine's core worker: the
// per-projection state machine that fetches events past a durable cursor,
// reduces them to statements and applies them transactionally. Storage of
// the cursor, the failed-event ledger and the distributed lock is left to
// a concrete backend (see the pg subpackage); this package only depends on
// the eventstore.Eventstore read interface.
package handler

import (
	"sync"

	"github.com/zitadel/projection-engine/internal/eventstore"
)

// State is the projection worker's lifecycle state, exposed verbatim on
// health snapshots.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateCatchUp
	StateLive
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateCatchUp:
		return "catch_up"
	case StateLive:
		return "live"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Running reports whether the state machine is making progress.
func (s State) Running() bool {
	return s == StateCatchUp || s == StateLive
}

type HandlerConfig struct {
	Eventstore eventstore.Eventstore
}

// Handler is the ambient state shared by every projection worker: access
// to the event log and a bounded wake channel that lets the write path
// hint at new events without ever replacing the catch-up poller (a missed
// hint must only ever cost latency up to the next scheduled tick, never
// correctness — spec.md §9).
type Handler struct {
	Eventstore eventstore.Eventstore
	EventQueue chan eventstore.Event

	mu    sync.RWMutex
	state State
}

func NewHandler(config HandlerConfig) Handler {
	return Handler{
		Eventstore: config.Eventstore,
		EventQueue: make(chan eventstore.Event, 1),
		state:      StateStopped,
	}
}

func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// WakeUp offers a non-blocking hint that new events may be available. It
// never blocks: if a hint is already queued, this one is dropped, because
// the queued hint will cause the same catch-up pass regardless.
func (h *Handler) WakeUp(event eventstore.Event) {
	select {
	case h.EventQueue <- event:
	default:
	}
}

// Unsubscribe does nothing: the handler keeps its wake channel, and
// WakeUp keeps queueing hints (dropping them once the channel is full).
func (h *Handler) Unsubscribe() {}

func checkAdditionalEvents(queue chan eventstore.Event, first eventstore.Event) []eventstore.Event {
	events := make([]eventstore.Event, 1, 4)
	events[0] = first
	for {
		select {
		case event := <-queue:
			events = append(events, event)
		default:
			return events
		}
	}
}
