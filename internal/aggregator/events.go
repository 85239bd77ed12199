package aggregator

import (
	"sync"
	"time"

	"github.com/web3guy0/tradeagg/internal/model"
)

// EventKind names one lifecycle event the Aggregator Core emits: a named
// set of event kinds, each carrying a typed payload, so metrics, audit,
// and notification subscribers can react without coupling to the Core
// directly.
type EventKind string

const (
	EventOrderSubmitted EventKind = "orderSubmitted"
	EventOrderProcessed EventKind = "orderProcessed"
	EventOrderRejected  EventKind = "orderRejected"
	EventOrderFailed    EventKind = "orderFailed"
	EventOrderCancelled EventKind = "orderCancelled"
	EventFillProcessed  EventKind = "fillProcessed"
)

// Event is the payload delivered to internal subscribers (metrics,
// monitoring, registry).
type Event struct {
	Kind   EventKind
	At     time.Time
	Order  *model.Order
	Fill   *model.Fill
	Reason model.ErrorKind
}

// EventBus is a tiny synchronous fan-out used only within the process —
// not to be confused with the pub/sub Bus Adapter, which crosses process
// boundaries.
type EventBus struct {
	mu   sync.RWMutex
	subs map[EventKind][]func(Event)
}

func newEventBus() *EventBus {
	return &EventBus{subs: make(map[EventKind][]func(Event))}
}

// On registers fn to be called for every event of kind.
func (b *EventBus) On(kind EventKind, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], fn)
}

// emit synchronously invokes every subscriber for ev.Kind. Subscribers
// must not block — they run on the orchestrator's own goroutine.
func (b *EventBus) emit(ev Event) {
	b.mu.RLock()
	fns := b.subs[ev.Kind]
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
