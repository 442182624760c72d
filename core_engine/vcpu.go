package core_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"example.com/v-intr/core_engine/hypervisor"
	"example.com/v-intr/core_engine/softintr"
)

// VCPU state word bits
const (
	StateIRQ uint32 = 1 << 0 // Virtual interrupts enabled
)

// VCPU sticky word bits
const (
	StickyIRQPending uint32 = 1 << 0 // An event is queued in the transport
)

// VCPU is the virtual state of one logical processor: the interrupt enable
// flag, the sticky pending latch set by the substrate, the word of pending
// soft interrupt classes and the current priority level.
//
// Disable, Enable, Run, Route, the spl calls and DispatchSoftware belong to
// the goroutine driving the processor. Deliver, RaiseSoft and Schedule may
// be called from anywhere.
type VCPU struct {
	id        int
	vm        *VirtualMachine
	transport hypervisor.Transport
	log       *slog.Logger

	state    atomic.Uint32
	sticky   atomic.Uint32
	ipending atomic.Uint32
	cpl      atomic.Int32

	// Orders Deliver's send+latch against the latch resync after a receive.
	deliverLock sync.Mutex

	// Set while Run is parked in the transport wait.
	idle atomic.Bool

	frame *TrapFrame // Frame of the hardware interrupt being handled
}

func newVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	tr, err := vm.cfg.TransportFactory(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for VCPU %d: %w", id, err)
	}
	v := &VCPU{
		id:        id,
		vm:        vm,
		transport: tr,
		log:       vm.log.With("vcpu", id),
	}
	if vm.cfg.Debug {
		v.log.Debug("VCPU created", "transport", fmt.Sprintf("%T", tr))
	}
	return v, nil
}

// ID returns the logical processor number.
func (v *VCPU) ID() int { return v.id }

// IRQEnabled reports whether virtual interrupts are enabled.
func (v *VCPU) IRQEnabled() bool { return v.state.Load()&StateIRQ != 0 }

// IRQPending reports whether the sticky pending latch is set.
func (v *VCPU) IRQPending() bool { return v.sticky.Load()&StickyIRQPending != 0 }

// CurrentFrame returns the frame of the hardware interrupt in progress, or
// nil outside one.
func (v *VCPU) CurrentFrame() *TrapFrame { return v.frame }

// Disable turns virtual interrupts off (cli).
func (v *VCPU) Disable() {
	v.state.And(^StateIRQ)
}

// Enable turns virtual interrupts on (sti). If events were latched while
// disabled, each one is received and handled before Enable returns, with
// interrupts off while it runs. The transport wait is the only place the
// processor blocks. Transient transport errors only cause a re-check of
// the latch. A closed transport ends the loop with interrupts enabled.
func (v *VCPU) Enable() {
	for {
		v.state.Or(StateIRQ)
		if v.sticky.Load()&StickyIRQPending == 0 {
			return
		}

		v.state.And(^StateIRQ)
		m, err := v.transport.Wait(v.vm.cfg.WaitTimeout)
		if errors.Is(err, hypervisor.ErrClosed) {
			v.state.Or(StateIRQ)
			v.log.Warn("VCPU transport closed with interrupts latched")
			return
		}
		v.syncSticky()
		if err != nil {
			v.vm.stats.spurious.Add(1)
			if v.vm.cfg.Debug {
				v.log.Debug("VCPU wait returned without an interrupt", "err", err)
			}
			continue
		}
		v.handleMessage(m)
	}
}

// Deliver is the substrate side: queue m for this processor and set the
// sticky latch.
func (v *VCPU) Deliver(m hypervisor.Message) error {
	v.deliverLock.Lock()
	defer v.deliverLock.Unlock()

	if err := v.transport.Send(m); err != nil {
		return fmt.Errorf("VCPU %d: deliver label 0x%x: %w", v.id, m.Label, err)
	}
	v.sticky.Or(StickyIRQPending)
	return nil
}

// syncSticky recomputes the latch after a receive: it stays set only while
// messages remain queued.
func (v *VCPU) syncSticky() {
	v.deliverLock.Lock()
	defer v.deliverLock.Unlock()

	v.sticky.And(^StickyIRQPending)
	if v.transport.Pending() > 0 {
		v.sticky.Or(StickyIRQPending)
	}
}

// handleMessage turns one substrate message into a hardware interrupt.
func (v *VCPU) handleMessage(m hypervisor.Message) {
	if m.IsWake() {
		return
	}
	line := m.Line()
	if line&hypervisor.LineIPI != 0 {
		// Cross-processor interrupts are not implemented.
		v.vm.stats.droppedIPIs.Add(1)
		v.log.Warn("VCPU dropped cross-processor interrupt", "label", m.Label)
		return
	}
	frame := &TrapFrame{CS: SelKPL, EFlags: 0, CPU: v.id, Label: m.Label}
	v.Route(Event{Class: ClassHardware, Line: int(line), Frame: frame})
}

// Run is the idle loop of the processor: with interrupts enabled it waits
// for substrate events and handles each as it arrives. It returns nil once
// ctx is done or the transport is closed.
func (v *VCPU) Run(ctx context.Context) error {
	if v.vm.cfg.Debug {
		v.log.Debug("VCPU entering run loop")
	}
	for {
		if ctx.Err() != nil {
			if v.vm.cfg.Debug {
				v.log.Debug("VCPU stop signal received, exiting run loop")
			}
			return nil
		}

		v.Enable()
		v.RunSoft()

		// A RaiseSoft after the check below sees idle set and posts a wakeup.
		v.idle.Store(true)
		if _, ok := nextSoft(v.CPL(), v.ipending.Load()); ok {
			v.idle.Store(false)
			continue
		}
		m, err := v.transport.Wait(v.vm.cfg.IdlePoll)
		v.idle.Store(false)
		switch {
		case errors.Is(err, hypervisor.ErrClosed):
			return nil
		case errors.Is(err, hypervisor.ErrTimeout):
			continue
		}
		v.syncSticky()
		if err != nil {
			v.vm.stats.spurious.Add(1)
			continue
		}
		v.handleMessage(m)
	}
}

// RaiseSoft latches soft interrupt bit sir and wakes the processor if it
// is idle. It is the softintr.Raiser of this processor.
func (v *VCPU) RaiseSoft(sir uint32) {
	v.ipending.Or(1 << sir)
	if v.idle.CompareAndSwap(true, false) {
		if err := v.transport.Send(hypervisor.WakeMessage); err != nil && v.vm.cfg.Debug {
			// A full queue wakes the processor anyway.
			v.log.Debug("VCPU soft wakeup not posted", "err", err)
		}
	}
}

// IPending returns the pending soft interrupt word.
func (v *VCPU) IPending() uint32 {
	return v.ipending.Load()
}

// Schedule queues h and latches its class on this processor.
func (v *VCPU) Schedule(h *softintr.Handle) {
	v.vm.softs.ScheduleOn(h, v)
}

// CPL returns the current priority level.
func (v *VCPU) CPL() Level {
	return Level(v.cpl.Load())
}

// Splraise raises the priority to at least l and returns the previous one.
func (v *VCPU) Splraise(l Level) Level {
	old := Level(v.cpl.Load())
	if l > old {
		v.cpl.Store(int32(l))
	}
	return old
}

// Splx sets the priority to l and runs whatever soft work that unmasks.
func (v *VCPU) Splx(l Level) {
	v.cpl.Store(int32(l))
	if v.ipending.Load() != 0 {
		v.RunSoft()
	}
}

func (v *VCPU) close() error {
	return v.transport.Close()
}
