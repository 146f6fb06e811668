// Package eventbus fans project events out to connected observers.
//
// Publish is synchronous and best effort: sinks bound to the project at
// publish time receive the event in subscription order, and a failing
// sink is logged and skipped.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives events for one connection.
type Sink interface {
	Deliver(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Deliver(e Event) error { return f(e) }

// DeliveryHook observes the outcome of every delivery attempt.
type DeliveryHook func(err error)

// Option configures a Bus.
type Option func(*Bus)

// WithDeliveryHook installs fn as the delivery observer.
func WithDeliveryHook(fn DeliveryHook) Option {
	return func(b *Bus) { b.hook = fn }
}

type subscription struct {
	connID    string
	projectID int64
	sink      Sink
}

// Bus is the connection registry.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	order  []string // connection ids, oldest binding first
	logger zerolog.Logger
	hook   DeliveryHook
}

// New creates an empty bus.
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*subscription),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe binds connID to projectID. Rebinding supersedes the previous
// binding and moves the connection to the end of the delivery order.
func (b *Bus) Subscribe(connID string, projectID int64, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.subs[connID]; ok {
		b.removeLocked(connID)
		b.logger.Debug().Str("conn_id", connID).Int64("from", prev.projectID).Int64("to", projectID).Msg("Connection rebound")
	}
	b.subs[connID] = &subscription{connID: connID, projectID: projectID, sink: sink}
	b.order = append(b.order, connID)
}

// Unsubscribe drops connID. Unknown ids are ignored.
func (b *Bus) Unsubscribe(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[connID]; ok {
		b.removeLocked(connID)
	}
}

// caller must hold mu
func (b *Bus) removeLocked(connID string) {
	delete(b.subs, connID)
	for i, id := range b.order {
		if id == connID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Binding reports the project a connection is bound to.
func (b *Bus) Binding(connID string) (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[connID]
	if !ok {
		return 0, false
	}
	return s.projectID, true
}

// Publish delivers e to every connection bound to projectID and returns
// the number of successful deliveries. It never fails.
func (b *Bus) Publish(projectID int64, e Event) int {
	b.mu.RLock()
	var targets []*subscription
	for _, id := range b.order {
		if s := b.subs[id]; s.projectID == projectID {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		err := b.deliver(s, e)
		if b.hook != nil {
			b.hook(err)
		}
		if err != nil {
			b.logger.Warn().Err(err).
				Str("conn_id", s.connID).
				Int64("project_id", projectID).
				Str("event", string(e.Type)).
				Msg("Event delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) deliver(s *subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.sink.Deliver(e)
}

// Count returns the number of bound connections.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
