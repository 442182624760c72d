package core_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"example.com/v-intr/core_engine/devices"
	"example.com/v-intr/core_engine/hypervisor"
	"example.com/v-intr/core_engine/network"
	"example.com/v-intr/core_engine/softintr"
)

// ErrInvalidLevel is returned when establishing soft work at a level that
// has no soft interrupt queue.
var ErrInvalidLevel = errors.New("level has no soft interrupt queue")

// Stats is a snapshot of the machine's interrupt counters.
type Stats struct {
	Softs           uint64 // Soft handlers run
	Interrupts      uint64 // Hardware interrupts dispatched
	Unhandled       uint64 // Hardware interrupts no handler claimed
	SpuriousWakeups uint64 // Transport waits that returned no interrupt
	DroppedIPIs     uint64 // Cross-processor interrupts discarded
}

type vmStats struct {
	intrs       atomic.Uint64
	unhandled   atomic.Uint64
	spurious    atomic.Uint64
	droppedIPIs atomic.Uint64
}

// VirtualMachine is the interrupt controller of a paravirtualized kernel:
// its virtual processors, the deferred work queues, the shared-line handler
// table and the network soft interrupt routines.
type VirtualMachine struct {
	cfg     Config
	log     *slog.Logger
	vcpus   []*VCPU
	softs   *softintr.Table
	intrs   *devices.IntrTable
	netisrs *network.NetISRs
	stats   vmStats

	stopChan     chan struct{}
	stopOnce     sync.Once
	vcpusRunning chan error // One result per VCPU run loop
	closeOnce    sync.Once
	closeErr     error
}

// NewVirtualMachine creates the processors and their transports. Soft work
// scheduled without naming a processor is latched on VCPU 0.
func NewVirtualMachine(cfg Config) (*VirtualMachine, error) {
	cfg = cfg.withDefaults()

	vm := &VirtualMachine{
		cfg:          cfg,
		log:          cfg.Logger,
		intrs:        devices.NewIntrTable(cfg.IRQLines, cfg.Logger),
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan error, cfg.NumVCPUs),
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		vcpu, err := newVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("failed to create VCPU %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	boot := vm.vcpus[0]
	vm.softs = softintr.New(softintr.Config{
		MaxHandles: cfg.MaxSoftHandles,
		Raiser:     boot,
		Logger:     cfg.Logger,
		Debug:      cfg.Debug,
	})
	vm.netisrs = network.NewNetISRs(boot)

	if cfg.Debug {
		vm.log.Debug("VirtualMachine created",
			"vcpus", cfg.NumVCPUs, "irq_lines", cfg.IRQLines, "max_soft_handles", cfg.MaxSoftHandles)
	}
	return vm, nil
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// BootVCPU returns VCPU 0.
func (vm *VirtualMachine) BootVCPU() *VCPU {
	return vm.vcpus[0]
}

// NumVCPUs returns the number of processors.
func (vm *VirtualMachine) NumVCPUs() int {
	return len(vm.vcpus)
}

// NetISRs returns the network soft interrupt routines run ahead of the
// softnet queue.
func (vm *VirtualMachine) NetISRs() *network.NetISRs {
	return vm.netisrs
}

// Establish registers fn to run as soft work at level. Only the softclock,
// softnet, softtty and tty levels have queues; tty shares softtty's.
func (vm *VirtualMachine) Establish(level Level, fn func(any), arg any) (*softintr.Handle, error) {
	idx, ok := softIndex(level)
	if !ok {
		return nil, fmt.Errorf("establish at %v: %w", level, ErrInvalidLevel)
	}
	h, err := vm.softs.Establish(idx, fn, arg)
	if err != nil {
		return nil, fmt.Errorf("establish at %v: %w", level, err)
	}
	return h, nil
}

// Disestablish unregisters h. If h is pending it is dropped without running.
func (vm *VirtualMachine) Disestablish(h *softintr.Handle) {
	vm.softs.Disestablish(h)
}

// Schedule marks h for execution and latches its class on VCPU 0.
func (vm *VirtualMachine) Schedule(h *softintr.Handle) {
	vm.softs.Schedule(h)
}

// PendingSoft returns the number of handles queued at level.
func (vm *VirtualMachine) PendingSoft(level Level) int {
	idx, ok := softIndex(level)
	if !ok {
		return 0
	}
	return vm.softs.Pending(idx)
}

// DispatchSoftware drains the soft queue of level on VCPU 0. It must be
// called from the goroutine driving that processor.
func (vm *VirtualMachine) DispatchSoftware(level Level) int {
	return vm.vcpus[0].DispatchSoftware(level)
}

// EstablishIRQ attaches a handler to hardware line. Handlers on one line
// run in registration order and all of them run on every interrupt.
func (vm *VirtualMachine) EstablishIRQ(line int, name string, fn func(any) bool, arg any) (*devices.IntrHand, error) {
	ih, err := vm.intrs.Establish(line, name, fn, arg)
	if err != nil {
		return nil, fmt.Errorf("establish irq %d: %w", line, err)
	}
	return ih, nil
}

// DisestablishIRQ detaches a hardware handler.
func (vm *VirtualMachine) DisestablishIRQ(ih *devices.IntrHand) error {
	return vm.intrs.Disestablish(ih)
}

// IRQHandlers returns the names of the handlers on line in dispatch order.
func (vm *VirtualMachine) IRQHandlers(line int) []string {
	return vm.intrs.Handlers(line)
}

// HandleHardwareInterrupt runs line's handler chain on VCPU 0 and reports
// whether any handler claimed the interrupt. It must be called from the
// goroutine driving that processor.
func (vm *VirtualMachine) HandleHardwareInterrupt(line int, frame *TrapFrame) bool {
	return vm.vcpus[0].doIRQ(line, frame)
}

// GlobalDisable disables virtual interrupts on VCPU 0.
func (vm *VirtualMachine) GlobalDisable() {
	vm.vcpus[0].Disable()
}

// GlobalEnable enables virtual interrupts on VCPU 0, handling whatever was
// latched while they were off.
func (vm *VirtualMachine) GlobalEnable() {
	vm.vcpus[0].Enable()
}

// NewTimer returns a clock source delivering TimerIRQ to VCPU 0 at hz.
func (vm *VirtualMachine) NewTimer(hz int) *devices.Timer {
	return devices.NewTimer(vm.vcpus[0], hz, vm.log)
}

// Stats returns a snapshot of the interrupt counters.
func (vm *VirtualMachine) Stats() Stats {
	return Stats{
		Softs:           vm.softs.Softs(),
		Interrupts:      vm.stats.intrs.Load(),
		Unhandled:       vm.stats.unhandled.Load(),
		SpuriousWakeups: vm.stats.spurious.Load(),
		DroppedIPIs:     vm.stats.droppedIPIs.Load(),
	}
}

// Run starts the idle loop of every VCPU and waits for all of them to
// exit, which happens once ctx is done, Stop is called or the machine is
// closed.
func (vm *VirtualMachine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-vm.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if vm.cfg.Debug {
		vm.log.Debug("VirtualMachine starting VCPU run loops")
	}
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			err := v.Run(ctx)
			if err != nil {
				v.log.Error("VCPU exited with error", "err", err)
			} else if vm.cfg.Debug {
				v.log.Debug("VCPU exited normally")
			}
			vm.vcpusRunning <- err
		}(vcpu)
	}

	var errs []error
	for range vm.vcpus {
		if err := <-vm.vcpusRunning; err != nil {
			errs = append(errs, err)
		}
	}
	if vm.cfg.Debug {
		vm.log.Debug("VirtualMachine all VCPUs have completed their run loops")
	}
	return errors.Join(errs...)
}

// Stop signals all VCPU run loops to exit.
func (vm *VirtualMachine) Stop() {
	vm.stopOnce.Do(func() {
		if vm.cfg.Debug {
			vm.log.Debug("VirtualMachine sending stop signal to VCPUs")
		}
		close(vm.stopChan)
	})
}

// Close stops the machine and closes every transport. It is idempotent.
func (vm *VirtualMachine) Close() error {
	vm.closeOnce.Do(func() {
		vm.Stop()
		var errs []error
		for _, vcpu := range vm.vcpus {
			if err := vcpu.close(); err != nil {
				errs = append(errs, fmt.Errorf("VCPU %d: %w", vcpu.id, err))
			}
		}
		vm.closeErr = errors.Join(errs...)
		if vm.cfg.Debug {
			vm.log.Debug("VirtualMachine closed")
		}
	})
	return vm.closeErr
}

var _ devices.EventSink = (*VCPU)(nil)
var _ softintr.Raiser = (*VCPU)(nil)
var _ hypervisor.Transport = (*hypervisor.ChannelTransport)(nil)
