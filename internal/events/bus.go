// Package events carries repository change notifications to in-process
// subscribers. Events raised inside a transaction are held back and publish
// only after a successful commit, so observers never see state that is later
// rolled back.
package events

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// Event is a repository change notification.
type Event interface {
	Kind() string
}

// ActionUpdated announces a mutated update action.
type ActionUpdated struct {
	Tenant   string
	ActionID int64
	Status   string
}

// Kind implements Event.
func (ActionUpdated) Kind() string { return "action.updated" }

// TargetUpdated announces a mutated provisioning target.
type TargetUpdated struct {
	Tenant       string
	TargetID     int64
	UpdateStatus string
}

// Kind implements Event.
func (TargetUpdated) Kind() string { return "target.updated" }

// Handler consumes published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

// Bus fans published events out to subscribers. The zero value is unusable;
// construct with NewBus. Wiring is explicit through server construction, not
// a package-level singleton.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   pslog.Logger
}

// NewBus constructs an event bus.
func NewBus(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for all subsequently published events.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers events to every subscriber.
func (b *Bus) Publish(ctx context.Context, evs ...Event) {
	if len(evs) == 0 {
		return
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, ev := range evs {
		b.logger.Debug("events.publish", "kind", ev.Kind())
		for _, h := range handlers {
			h(ctx, ev)
		}
	}
}

type pendingKey struct{}

// Pending accumulates events raised inside a transaction.
type Pending struct {
	mu     sync.Mutex
	events []Event
}

// WithPending attaches a fresh pending set to ctx and returns both.
func WithPending(ctx context.Context) (context.Context, *Pending) {
	p := &Pending{}
	return context.WithValue(ctx, pendingKey{}, p), p
}

// Defer records ev on the pending set carried by ctx. Outside a transaction
// there is no pending set and the event is dropped; callers that publish
// eagerly should use Bus.Publish directly.
func Defer(ctx context.Context, ev Event) {
	p, _ := ctx.Value(pendingKey{}).(*Pending)
	if p == nil || ev == nil {
		return
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// Drain returns and clears the accumulated events.
func (p *Pending) Drain() []Event {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	evs := p.events
	p.events = nil
	p.mu.Unlock()
	return evs
}
