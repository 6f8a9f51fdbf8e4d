package service

import (
	"log/slog"
	"sync"
)

// ---------------------------------------------------------------------------
// syncWaiter — generic correlation-ID-based waiter
// ---------------------------------------------------------------------------

// syncWaiter manages a set of channel-based waiters keyed by correlation ID.
// Completing a waiter removes it exactly once; a second deliver for the
// same ID is a logged no-op.
type syncWaiter[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan *T
	label   string // for logging
}

func newSyncWaiter[T any](label string) *syncWaiter[T] {
	return &syncWaiter[T]{
		waiters: make(map[string]chan *T),
		label:   label,
	}
}

// register creates a buffered channel for the given correlation ID.
func (w *syncWaiter[T]) register(id string) chan *T {
	ch := make(chan *T, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	return ch
}

// unregister removes the waiter for the given correlation ID.
func (w *syncWaiter[T]) unregister(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// deliver sends a payload to the waiting channel and removes the waiter.
// Returns false if no waiter was registered for the given ID.
func (w *syncWaiter[T]) deliver(id string, payload *T) bool {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()

	if !ok {
		slog.Debug("no waiter for "+w.label, "correlation_id", id)
		return false
	}

	ch <- payload
	return true
}
