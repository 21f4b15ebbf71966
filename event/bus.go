//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package event

import "sync"

// Handler consumes a single event. Handlers run synchronously on the
// emitting goroutine so that events for one job are observed in stage
// order. Handlers must not block.
type Handler func(*Event)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Bus is a process-local publish/subscribe hub. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the given event name. Use Wildcard
// to receive all events.
func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit delivers the event to all handlers subscribed to its name and to
// all wildcard handlers, in subscription order.
func (b *Bus) Emit(e *Event) {
	if e == nil {
		return
	}
	b.mu.RLock()
	named := b.handlers[e.Name]
	wild := b.handlers[Wildcard]
	b.mu.RUnlock()
	for _, h := range named {
		h(e)
	}
	for _, h := range wild {
		h(e)
	}
}

// EmitNew constructs and emits an event in one call.
func (b *Bus) EmitNew(name string, opts ...Option) *Event {
	e := New(name, opts...)
	b.Emit(e)
	return e
}
