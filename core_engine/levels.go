package core_engine

import (
	"fmt"

	"example.com/v-intr/core_engine/softintr"
)

// Level is an interrupt priority level. A processor running at level L
// only takes soft interrupt classes whose level is above L.
type Level int32

const (
	LevelNone Level = iota
	LevelSoftClock
	LevelSoftNet
	LevelBio
	LevelNet
	LevelSoftTTY
	LevelTTY
	LevelVM
	LevelAudio
	LevelClock
	LevelStatClock
	LevelHigh
)

var levelNames = [...]string{
	LevelNone:      "none",
	LevelSoftClock: "softclock",
	LevelSoftNet:   "softnet",
	LevelBio:       "bio",
	LevelNet:       "net",
	LevelSoftTTY:   "softtty",
	LevelTTY:       "tty",
	LevelVM:        "vm",
	LevelAudio:     "audio",
	LevelClock:     "clock",
	LevelStatClock: "statclock",
	LevelHigh:      "high",
}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// softIndex maps a soft level to its queue. LevelTTY shares the softtty
// queue.
func softIndex(l Level) (softintr.Index, bool) {
	switch l {
	case LevelSoftClock:
		return softintr.SoftClock, true
	case LevelSoftNet:
		return softintr.SoftNet, true
	case LevelTTY, LevelSoftTTY:
		return softintr.SoftTTY, true
	}
	return 0, false
}

// Class is the kind of a virtual interrupt handed to the router.
type Class int

const (
	ClassHardware Class = iota
	ClassSoftClock
	ClassSoftNet
	ClassSoftTTY
)

func (c Class) String() string {
	switch c {
	case ClassHardware:
		return "hardware"
	case ClassSoftClock:
		return "softclock"
	case ClassSoftNet:
		return "softnet"
	case ClassSoftTTY:
		return "softtty"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// softRoute ties a soft class to its queue, level and pending bit.
type softRoute struct {
	class Class
	level Level
	which softintr.Index
}

// softRoutes is ordered most urgent first; RunSoft scans it in this order.
var softRoutes = [...]softRoute{
	{ClassSoftTTY, LevelSoftTTY, softintr.SoftTTY},
	{ClassSoftNet, LevelSoftNet, softintr.SoftNet},
	{ClassSoftClock, LevelSoftClock, softintr.SoftClock},
}

func routeFor(c Class) (softRoute, bool) {
	for _, r := range softRoutes {
		if r.class == c {
			return r, true
		}
	}
	return softRoute{}, false
}

// SelKPL is the code selector placed in frames built for virtual interrupts.
const SelKPL uint16 = 0

// TrapFrame is the register context handed to hardware handlers.
type TrapFrame struct {
	CS     uint16
	EFlags uint32
	CPU    int
	Label  uint64
}

// Event is one virtual interrupt for the router.
type Event struct {
	Class Class
	Line  int        // hardware events only
	Frame *TrapFrame // hardware events only; may be nil
}
