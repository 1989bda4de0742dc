// Package events publishes lifecycle transitions of multisig operations.
// Every propose/sign/terminal transition emits one event so external
// observers (signers' clients, audit pipelines) can follow an operation
// without polling.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
)

// Kind classifies a lifecycle event.
type Kind string

const (
	KindAccountRegistered Kind = "account.registered"
	KindAccountFrozen     Kind = "account.frozen"
	KindAccountUnfrozen   Kind = "account.unfrozen"

	KindOperationProposed  Kind = "operation.proposed"
	KindOperationSigned    Kind = "operation.signed"
	KindOperationExecuted  Kind = "operation.executed"
	KindOperationCancelled Kind = "operation.cancelled"
	KindOperationExpired   Kind = "operation.expired"
	KindOperationExtended  Kind = "operation.extended"
)

// Event is one lifecycle occurrence.
type Event struct {
	Kind        Kind                   `json:"kind"`
	AccountID   uint64                 `json:"account_id"`
	OperationID uint64                 `json:"operation_id,omitempty"`
	Type        multisig.OperationType `json:"operation_type,omitempty"`
	State       multisig.State         `json:"state,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	At          time.Time              `json:"at"`
}

// String returns the JSON form, used by log sinks.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Publisher receives lifecycle events. Publish must not block the calling
// lifecycle operation.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Bus is an in-process fanout publisher. Subscribers receive events on
// buffered channels; a slow subscriber drops events rather than stalling the
// engine.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(_ context.Context, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a listener. The returned cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

var _ Publisher = (Fanout)(nil)

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
