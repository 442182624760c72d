// core_engine/devices/irq_constants.go
package devices

// Line numbers of the legacy ISA devices (the 8259 wiring a guest expects).
const (
	TimerIRQ    = 0 // Interval timer
	KeyboardIRQ = 1 // Keyboard
	CascadeIRQ  = 2 // Slave controller cascade, never delivered
	SerialIRQ   = 4 // COM1
	RTCIRQ      = 8 // Real-time clock
)

// Table sizes
const (
	ICULen      = 16  // ISA lines
	MaxIRQLines = 256 // ISA lines plus APIC vectors share one table
)

// Timer defaults
const (
	DefaultTimerHz = 100
)
