package core_engine

import (
	"fmt"

	"example.com/v-intr/core_engine/softintr"
)

// Route takes one virtual interrupt on this processor. Hardware events run
// the line's handler chain at LevelHigh. Soft classes are latched and run
// now if the current priority allows it, otherwise on a later Splx.
// An unknown class is a configuration error and panics.
func (v *VCPU) Route(ev Event) {
	if ev.Class == ClassHardware {
		v.doIRQ(ev.Line, ev.Frame)
		return
	}

	r, ok := routeFor(ev.Class)
	if !ok {
		v.log.Error("VCPU routed unknown interrupt class", "class", int(ev.Class))
		panic(fmt.Sprintf("core_engine: route: unknown interrupt class %d", int(ev.Class)))
	}
	v.RaiseSoft(r.which.SIR())
	v.RunSoft()
}

// doIRQ runs the handler chain of line. Returning from it lowers the
// priority again, which may run soft work the handlers scheduled.
func (v *VCPU) doIRQ(line int, frame *TrapFrame) bool {
	if frame == nil {
		frame = &TrapFrame{CS: SelKPL, CPU: v.id}
	}
	s := v.Splraise(LevelHigh)
	old := v.frame
	v.frame = frame

	v.vm.stats.intrs.Add(1)
	handled := v.vm.intrs.Dispatch(line, frame)
	if !handled {
		v.vm.stats.unhandled.Add(1)
		v.log.Warn("VCPU error processing interrupt", "line", line)
	}

	v.frame = old
	v.Splx(s)
	return handled
}

// RunSoft runs every latched soft class the current priority allows, most
// urgent first. The scan starts over after each class because its handlers
// may have latched more work.
func (v *VCPU) RunSoft() {
	for {
		r, ok := nextSoft(v.CPL(), v.ipending.Load())
		if !ok {
			return
		}
		// Cleared before running so a class re-latched by its own handlers
		// is seen by the next scan.
		v.ipending.And(^(uint32(1) << r.which.SIR()))
		v.execSoft(r)
	}
}

func nextSoft(cpl Level, pending uint32) (softRoute, bool) {
	for _, r := range softRoutes {
		if cpl < r.level && pending&(uint32(1)<<r.which.SIR()) != 0 {
			return r, true
		}
	}
	return softRoute{}, false
}

// execSoft drains one class at (at least) its own level, then restores the
// priority it found. The soft network class runs the netisrs first.
func (v *VCPU) execSoft(r softRoute) int {
	s := v.Splraise(r.level)

	n := 0
	if r.which == softintr.SoftNet {
		n += v.vm.netisrs.Run()
	}
	n += v.vm.softs.Dispatch(r.which)

	v.cpl.Store(int32(s))
	return n
}

// DispatchSoftware drains the class of level right away, whatever the
// current priority, and returns the number of handlers run. A level
// without a soft queue panics.
func (v *VCPU) DispatchSoftware(level Level) int {
	idx, ok := softIndex(level)
	if !ok {
		v.log.Error("VCPU soft dispatch at invalid level", "level", level.String())
		panic(fmt.Sprintf("core_engine: dispatch software: no soft queue at %v", level))
	}
	for _, r := range softRoutes {
		if r.which == idx {
			v.ipending.And(^(uint32(1) << idx.SIR()))
			return v.execSoft(r)
		}
	}
	panic("core_engine: dispatch software: soft route table incomplete")
}
