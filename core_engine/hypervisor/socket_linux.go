// core_engine/hypervisor/socket_linux.go
package hypervisor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix" // For socketpair/poll based IPC
)

// Wire size of one message: 4 byte tag followed by an 8 byte label.
const socketMsgSize = 12

// SocketTransport carries substrate messages over an AF_UNIX SOCK_SEQPACKET
// socket pair. Each message is one packet, so boundaries survive the kernel.
type SocketTransport struct {
	fds     [2]int // fds[0] is the receive side, fds[1] the send side
	mu      sync.RWMutex
	closed  atomic.Bool
	pending atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewSocketTransport creates the socket pair backing the transport.
func NewSocketTransport() (*SocketTransport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair failed: %w", err)
	}
	return &SocketTransport{fds: fds}, nil
}

func (t *SocketTransport) Send(m Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return ErrClosed
	}

	var buf [socketMsgSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Tag))
	binary.LittleEndian.PutUint64(buf[4:12], m.Label)

	// Count first so a fast receiver never drives Pending negative.
	t.pending.Add(1)
	if _, err := unix.Write(t.fds[1], buf[:]); err != nil {
		t.pending.Add(-1)
		if errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("send label 0x%x: %w", m.Label, ErrOverflow)
		}
		return fmt.Errorf("send label 0x%x: %v: %w", m.Label, err, ErrIPC)
	}
	return nil
}

func (t *SocketTransport) Wait(timeout time.Duration) (Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return Message{}, ErrClosed
	}

	ms := -1
	if timeout != Never {
		ms = int(timeout / time.Millisecond)
		if ms <= 0 {
			ms = 1
		}
	}

	pfd := []unix.PollFd{{Fd: int32(t.fds[0]), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, ms)
	if err != nil {
		// EINTR included: the caller simply retries.
		return Message{}, fmt.Errorf("poll: %v: %w", err, ErrIPC)
	}
	if n == 0 {
		return Message{}, ErrTimeout
	}

	var buf [socketMsgSize]byte
	nr, err := unix.Read(t.fds[0], buf[:])
	if err != nil {
		return Message{}, fmt.Errorf("read: %v: %w", err, ErrIPC)
	}
	if nr == 0 { // Send side shut down
		return Message{}, ErrClosed
	}
	t.pending.Add(-1)
	if nr != socketMsgSize {
		return Message{}, fmt.Errorf("short packet of %d bytes: %w", nr, ErrIPC)
	}

	m := Message{
		Tag:   MsgTag(binary.LittleEndian.Uint32(buf[0:4])),
		Label: binary.LittleEndian.Uint64(buf[4:12]),
	}
	if m.HasError() {
		return m, ErrIPC
	}
	return m, nil
}

func (t *SocketTransport) Pending() int {
	if n := t.pending.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Close wakes a blocked Wait by shutting down the send side, then releases
// both descriptors once no Send or Wait is in flight.
func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		_ = unix.Shutdown(t.fds[1], unix.SHUT_RDWR)

		t.mu.Lock()
		defer t.mu.Unlock()
		t.closeErr = errors.Join(unix.Close(t.fds[0]), unix.Close(t.fds[1]))
	})
	return t.closeErr
}
