// Package eventbus fans newly indexed deposits and withdrawals out to the
// API layer's websocket hub, decoupling the orchestrator from its
// subscribers the way the chain.Poller decouples itself from the
// orchestrator via EventHandler.
package eventbus

import (
	"sync"
	"time"

	"github.com/tornadogo/mixer-indexer/internal/store"
)

// Kind distinguishes the two chain events the orchestrator publishes.
type Kind string

const (
	Deposit    Kind = "deposit"
	Withdrawal Kind = "withdrawal"
)

// Event is a single indexed deposit or withdrawal. Exactly one of the
// Deposit/Withdrawal fields is set, mirroring chain.EventHandler's
// mutually-exclusive deposit/withdrawal arguments.
type Event struct {
	Kind        Kind
	BlockNumber uint64
	Timestamp   time.Time
	Deposit     *store.Deposit    `json:",omitempty"`
	Withdrawal  *store.Withdrawal `json:",omitempty"`
}

// Bus is an in-process event bus that routes events to subscribers by Kind.
// It uses Go channels for delivery and is safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan<- Event
	closed      bool
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Kind][]chan<- Event),
	}
}

// Subscribe registers ch to receive events of the given kind. The caller is
// responsible for creating ch with sufficient buffer capacity; slow
// subscribers have events dropped rather than blocking Publish.
func (b *Bus) Subscribe(kind Kind, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], ch)
}

// Publish sends evt to all subscribers registered for evt.Kind. If a
// subscriber's channel is full, the event is dropped for that subscriber.
// Publish is a no-op after Close has been called.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Kind] {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. After Close, Publish is a no-op. Close does
// not close subscriber channels; that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
