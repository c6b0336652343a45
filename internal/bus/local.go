package bus

import (
	"context"
	"sync"

	"github.com/elevatehq/realtime/internal/events"
)

// Group is an in-process broadcast fabric. A single member attached to its
// own group is the degraded single-instance mode used when the bus backend
// is unreachable at startup; several members sharing one group model a
// multi-instance deployment in tests.
type Group struct {
	mx      sync.RWMutex
	members []*localBus
}

func NewGroup() *Group {
	return &Group{}
}

func (g *Group) Attach() Instance {
	g.mx.Lock()
	defer g.mx.Unlock()

	m := &localBus{group: g, handlers: map[events.Scope][]Handler{}}
	g.members = append(g.members, m)

	return m
}

// NewLocal returns a loopback bus: publishes reach only this instance's own
// subscribers.
func NewLocal() Instance {
	return NewGroup().Attach()
}

type localBus struct {
	group *Group

	mx       sync.RWMutex
	handlers map[events.Scope][]Handler
}

func (b *localBus) Publish(_ context.Context, payload events.BusPayload) error {
	b.group.mx.RLock()
	members := append([]*localBus{}, b.group.members...)
	b.group.mx.RUnlock()

	for _, m := range members {
		m.deliver(payload)
	}

	return nil
}

func (b *localBus) deliver(payload events.BusPayload) {
	b.mx.RLock()
	handlers := append([]Handler{}, b.handlers[payload.Scope]...)
	b.mx.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

func (b *localBus) Subscribe(scope events.Scope, handler Handler) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.handlers[scope] = append(b.handlers[scope], handler)

	return nil
}

func (b *localBus) Connected() bool {
	return false
}

func (b *localBus) Close() {}
