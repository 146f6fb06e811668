package eventbus

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSinkFull is returned when a ChannelSink buffer has no room.
var ErrSinkFull = errors.New("sink buffer full")

// ErrSinkClosed is returned by a closed ChannelSink.
var ErrSinkClosed = errors.New("sink closed")

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("sink panicked: %v", p.value) }

// ChannelSink buffers events for an in-process consumer. Deliver never blocks.
type ChannelSink struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (c *ChannelSink) Deliver(e Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- e:
		return nil
	default:
		return ErrSinkFull
	}
}

// C returns the receive side.
func (c *ChannelSink) C() <-chan Event { return c.ch }

// Close closes the channel. Further deliveries fail with ErrSinkClosed.
func (c *ChannelSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
