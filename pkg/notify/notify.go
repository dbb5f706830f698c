// Package notify defines the notification bus capability the store uses to
// announce save completion, checkpoint creation, rollback outcomes, and
// recovery results.
//
// The store degrades silently when no bus is supplied: every emit goes to a
// no-op. Consumers that want notifications pass their own Bus (or use the
// in-process CallbackBus) at construction time.
package notify

import (
	"sync"
)

// Event names emitted by the store.
const (
	EventSaveCompleted     = "save_completed"
	EventSaveFailed        = "save_failed"
	EventLoadRecovered     = "load_recovered"
	EventCheckpointCreated = "checkpoint_created"
	EventCheckpointDeleted = "checkpoint_deleted"
	EventRollbackStarted   = "rollback_started"
	EventRollbackCompleted = "rollback_completed"
	EventRollbackFailed    = "rollback_failed"
	EventRecoveryAttempted = "recovery_attempted"
	EventRecoverySucceeded = "recovery_succeeded"
	EventRecoveryExhausted = "recovery_exhausted"
	EventStorageDegraded   = "storage_degraded"
)

// Bus is the capability the store needs: fire-and-forget event emission.
// Implementations must not block; slow consumers should buffer internally.
type Bus interface {
	Emit(event string, payload map[string]any)
}

// NopBus discards all events. Used when the caller supplies no bus.
type NopBus struct{}

// Emit discards the event.
func (NopBus) Emit(string, map[string]any) {}

// OrNop returns bus, or a NopBus when bus is nil, so call sites never need
// a nil check.
func OrNop(bus Bus) Bus {
	if bus == nil {
		return NopBus{}
	}
	return bus
}

// Handler receives events from a CallbackBus subscription.
type Handler func(event string, payload map[string]any)

// CallbackBus is a minimal in-process Bus: subscribers are invoked
// synchronously on the emitting goroutine, in subscription order.
//
// Example:
//
//	bus := notify.NewCallbackBus()
//	bus.Subscribe(notify.EventSaveCompleted, func(event string, payload map[string]any) {
//		log.Printf("saved %v", payload["key"])
//	})
type CallbackBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// NewCallbackBus creates an empty in-process bus.
func NewCallbackBus() *CallbackBus {
	return &CallbackBus{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler for one event name.
func (b *CallbackBus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// SubscribeAll registers handler for every event.
func (b *CallbackBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Emit invokes all matching handlers synchronously.
func (b *CallbackBus) Emit(event string, payload map[string]any) {
	b.mu.RLock()
	matched := append([]Handler(nil), b.handlers[event]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	for _, h := range matched {
		h(event, payload)
	}
}

// Verify implementations satisfy Bus
var (
	_ Bus = NopBus{}
	_ Bus = (*CallbackBus)(nil)
)
