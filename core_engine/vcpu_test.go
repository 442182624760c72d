package core_engine_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/v-intr/core_engine"
	"example.com/v-intr/core_engine/hypervisor"
)

// CountingTransport wraps a channel transport and counts Wait calls.
type CountingTransport struct {
	*hypervisor.ChannelTransport
	waits atomic.Int64
}

func (c *CountingTransport) Wait(timeout time.Duration) (hypervisor.Message, error) {
	c.waits.Add(1)
	return c.ChannelTransport.Wait(timeout)
}

func (c *CountingTransport) Waits() int64 { return c.waits.Load() }

func newCountingVM(t *testing.T) (*core_engine.VirtualMachine, *CountingTransport) {
	t.Helper()
	var tr *CountingTransport
	vm, err := core_engine.NewVirtualMachine(core_engine.Config{
		TransportFactory: func(id int) (hypervisor.Transport, error) {
			tr = &CountingTransport{ChannelTransport: hypervisor.NewChannelTransport(8)}
			return tr, nil
		},
		WaitTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewVirtualMachine failed: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm, tr
}

// LineCounter counts interrupts on a hardware line.
type LineCounter struct {
	mu    sync.Mutex
	Calls int
	Claim bool
}

func (l *LineCounter) Handle(any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	return l.Claim
}

func (l *LineCounter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Calls
}

func TestEnableWithNothingLatchedReturnsImmediately(t *testing.T) {
	vm, tr := newCountingVM(t)
	v := vm.BootVCPU()

	v.Disable()
	if v.IRQEnabled() {
		t.Fatal("IRQEnabled() after Disable")
	}
	v.Enable()
	if !v.IRQEnabled() {
		t.Error("IRQEnabled() false after Enable")
	}
	if tr.Waits() != 0 {
		t.Errorf("Enable waited %d times, want 0", tr.Waits())
	}
}

func TestEnableWaitsOncePerLatchedEvent(t *testing.T) {
	vm, tr := newCountingVM(t)
	v := vm.BootVCPU()
	lc := &LineCounter{Claim: true}
	if _, err := vm.EstablishIRQ(3, "disk", lc.Handle, nil); err != nil {
		t.Fatalf("EstablishIRQ failed: %v", err)
	}

	v.Disable()
	for i := 0; i < 2; i++ {
		if err := v.Deliver(hypervisor.IRQMessage(3)); err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}
	}
	if !v.IRQPending() {
		t.Fatal("IRQPending() false after Deliver")
	}
	if lc.count() != 0 {
		t.Fatal("handler ran while interrupts were disabled")
	}

	v.Enable()

	if lc.count() != 2 {
		t.Errorf("handler ran %d times, want 2", lc.count())
	}
	if tr.Waits() != 2 {
		t.Errorf("Enable waited %d times, want 2", tr.Waits())
	}
	if v.IRQPending() {
		t.Error("IRQPending() still set after Enable drained the queue")
	}
	if !v.IRQEnabled() {
		t.Error("IRQEnabled() false after Enable")
	}
	if got := vm.Stats().Interrupts; got != 2 {
		t.Errorf("Stats().Interrupts = %d, want 2", got)
	}
}

func TestEnableRetriesAfterTransportError(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()
	lc := &LineCounter{Claim: true}
	vm.EstablishIRQ(3, "disk", lc.Handle, nil)

	v.Disable()
	v.Deliver(hypervisor.Message{Tag: hypervisor.MsgTagError, Label: 0xdead})
	v.Deliver(hypervisor.IRQMessage(3))
	v.Enable()

	if lc.count() != 1 {
		t.Errorf("handler ran %d times, want 1", lc.count())
	}
	if got := vm.Stats().SpuriousWakeups; got != 1 {
		t.Errorf("Stats().SpuriousWakeups = %d, want 1", got)
	}
	if v.IRQPending() {
		t.Error("IRQPending() still set")
	}
}

func TestEnableHandlesEventDeliveredByHandler(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()
	var order []int
	vm.EstablishIRQ(3, "first", func(any) bool {
		order = append(order, 3)
		v.Deliver(hypervisor.IRQMessage(4))
		return true
	}, nil)
	vm.EstablishIRQ(4, "second", func(any) bool {
		order = append(order, 4)
		return true
	}, nil)

	v.Disable()
	v.Deliver(hypervisor.IRQMessage(3))
	v.Enable()

	if len(order) != 2 || order[0] != 3 || order[1] != 4 {
		t.Errorf("order = %v, want [3 4]", order)
	}
}

func TestEnableAfterCloseReturns(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()

	v.Disable()
	v.Deliver(hypervisor.IRQMessage(3))
	vm.Close()

	done := make(chan struct{})
	go func() {
		v.Enable()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enable did not return after Close")
	}
}

func TestCrossProcessorInterruptDropped(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()
	lc := &LineCounter{Claim: true}
	vm.EstablishIRQ(1, "kbd", lc.Handle, nil)

	v.Disable()
	v.Deliver(hypervisor.Message{Label: uint64(hypervisor.LineIPI|1) << hypervisor.LabelShift})
	v.Enable()

	st := vm.Stats()
	if st.DroppedIPIs != 1 {
		t.Errorf("Stats().DroppedIPIs = %d, want 1", st.DroppedIPIs)
	}
	if st.Interrupts != 0 || lc.count() != 0 {
		t.Errorf("cross-processor interrupt reached line 1: %+v", st)
	}
}

func TestDeliverOverflow(t *testing.T) {
	vm, err := core_engine.NewVirtualMachine(core_engine.Config{QueueDepth: 1})
	if err != nil {
		t.Fatalf("NewVirtualMachine failed: %v", err)
	}
	defer vm.Close()
	v := vm.BootVCPU()

	v.Disable()
	if err := v.Deliver(hypervisor.IRQMessage(2)); err != nil {
		t.Fatalf("first Deliver failed: %v", err)
	}
	if err := v.Deliver(hypervisor.IRQMessage(2)); err == nil {
		t.Error("Deliver into a full queue should fail")
	}
}

func TestSplraiseSplx(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()

	if v.CPL() != core_engine.LevelNone {
		t.Fatalf("initial CPL() = %v, want none", v.CPL())
	}
	s := v.Splraise(core_engine.LevelNet)
	if s != core_engine.LevelNone || v.CPL() != core_engine.LevelNet {
		t.Errorf("Splraise(net) = %v, CPL() = %v", s, v.CPL())
	}
	if got := v.Splraise(core_engine.LevelSoftClock); got != core_engine.LevelNet || v.CPL() != core_engine.LevelNet {
		t.Errorf("Splraise to a lower level changed CPL to %v", v.CPL())
	}
	v.Splx(s)
	if v.CPL() != core_engine.LevelNone {
		t.Errorf("CPL() after Splx = %v, want none", v.CPL())
	}
}

func TestSocketTransportFactory(t *testing.T) {
	vm, err := core_engine.NewVirtualMachine(core_engine.Config{
		TransportFactory: func(int) (hypervisor.Transport, error) {
			return hypervisor.NewSocketTransport()
		},
		WaitTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("socket transport unavailable: %v", err)
	}
	defer vm.Close()

	v := vm.BootVCPU()
	lc := &LineCounter{Claim: true}
	vm.EstablishIRQ(9, "net0", lc.Handle, nil)

	v.Disable()
	if err := v.Deliver(hypervisor.IRQMessage(9)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	v.Enable()
	if lc.count() != 1 {
		t.Errorf("handler ran %d times over the socket transport, want 1", lc.count())
	}
}

func TestCurrentFrameDuringInterrupt(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()

	var label uint64
	var cpu = -1
	vm.EstablishIRQ(7, "lpt0", func(any) bool {
		if f := v.CurrentFrame(); f != nil {
			label, cpu = f.Label, f.CPU
		}
		return true
	}, nil)

	if v.CurrentFrame() != nil {
		t.Fatal("CurrentFrame() set outside an interrupt")
	}
	v.Disable()
	v.Deliver(hypervisor.IRQMessage(7))
	v.Enable()

	if want := hypervisor.IRQMessage(7).Label; label != want || cpu != 0 {
		t.Errorf("frame in handler: label 0x%x cpu %d, want label 0x%x cpu 0", label, cpu, want)
	}
	if v.CurrentFrame() != nil {
		t.Error("CurrentFrame() still set after the interrupt")
	}
}

func TestWakeMessageIsNotAnInterrupt(t *testing.T) {
	vm, _ := newCountingVM(t)
	v := vm.BootVCPU()
	lc := &LineCounter{Claim: true}
	vm.EstablishIRQ(0, "clock", lc.Handle, nil)

	v.Disable()
	v.Deliver(hypervisor.WakeMessage)
	v.Enable()

	if st := vm.Stats(); st.Interrupts != 0 || lc.count() != 0 {
		t.Errorf("wakeup dispatched as an interrupt: %+v", st)
	}
	if v.IRQPending() {
		t.Error("IRQPending() still set")
	}
}
