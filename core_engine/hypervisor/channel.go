package hypervisor

import (
	"fmt"
	"sync"
	"time"
)

// DefaultQueueDepth is the receive buffer used when no depth is configured.
const DefaultQueueDepth = 64

// ChannelTransport is an in-process Transport backed by a buffered channel.
type ChannelTransport struct {
	ch        chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannelTransport creates a transport that buffers up to depth messages.
func NewChannelTransport(depth int) *ChannelTransport {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &ChannelTransport{
		ch:     make(chan Message, depth),
		closed: make(chan struct{}),
	}
}

func (t *ChannelTransport) Send(m Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.ch <- m:
		return nil
	default:
		return fmt.Errorf("send label 0x%x: %w", m.Label, ErrOverflow)
	}
}

func (t *ChannelTransport) Wait(timeout time.Duration) (Message, error) {
	// Queued messages win over a concurrent Close.
	select {
	case m := <-t.ch:
		return t.received(m)
	default:
	}

	var expired <-chan time.Time
	if timeout != Never {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case m := <-t.ch:
		return t.received(m)
	case <-t.closed:
		return Message{}, ErrClosed
	case <-expired:
		return Message{}, ErrTimeout
	}
}

func (t *ChannelTransport) received(m Message) (Message, error) {
	if m.HasError() {
		return m, ErrIPC
	}
	return m, nil
}

func (t *ChannelTransport) Pending() int {
	return len(t.ch)
}

func (t *ChannelTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
