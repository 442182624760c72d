// core_engine/hypervisor/ipc.go
package hypervisor

import (
	"errors"
	"time"
)

// Never blocks a Wait until a message arrives (L4_IPC_NEVER).
const Never time.Duration = 0

// MsgTag carries the substrate's status bits for one received message.
type MsgTag uint32

const (
	MsgTagError MsgTag = 1 << 15 // Transfer failed, label is meaningless
	MsgTagWake  MsgTag = 1 << 14 // Soft interrupt wakeup, carries no line
)

// Label layout: the low two bits belong to the substrate, the rest is the
// interrupt line. Lines with LineIPI set are cross-processor interrupts.
const (
	LabelShift        = 2
	LineIPI    uint32 = 1 << 30
)

var (
	ErrTimeout  = errors.New("hypervisor: ipc wait timed out")
	ErrClosed   = errors.New("hypervisor: transport closed")
	ErrIPC      = errors.New("hypervisor: ipc transfer error")
	ErrOverflow = errors.New("hypervisor: receive queue full")
)

// Message is one event delivered by the substrate.
type Message struct {
	Tag   MsgTag
	Label uint64
}

// HasError reports whether the substrate flagged the transfer as failed.
func (m Message) HasError() bool {
	return m.Tag&MsgTagError != 0
}

// Line extracts the interrupt number encoded in the label.
func (m Message) Line() uint32 {
	return uint32(m.Label >> LabelShift)
}

// IsWake reports whether m only wakes an idle processor.
func (m Message) IsWake() bool {
	return m.Tag&MsgTagWake != 0
}

// WakeMessage is posted to an idle processor that has soft work latched.
var WakeMessage = Message{Tag: MsgTagWake}

// IRQMessage builds the message the substrate sends for a line.
func IRQMessage(line uint32) Message {
	return Message{Label: uint64(line) << LabelShift}
}

// Transport is the substrate's synchronous IPC endpoint for one processor.
// Wait is the only call in the interrupt path that may suspend the caller.
type Transport interface {
	// Send queues a message for the receiving processor. It never blocks.
	Send(m Message) error
	// Wait blocks for the next message. A zero timeout waits forever.
	// ErrTimeout and ErrIPC are transient; ErrClosed is permanent.
	Wait(timeout time.Duration) (Message, error)
	// Pending returns the number of queued, not yet received messages.
	Pending() int
	Close() error
}
