package core_engine

import (
	"log/slog"
	"time"

	"example.com/v-intr/core_engine/devices"
	"example.com/v-intr/core_engine/hypervisor"
)

// Config describes a VirtualMachine. Zero fields take the defaults below.
type Config struct {
	NumVCPUs       int           // Logical processors (default 1)
	MaxSoftHandles int           // Soft handler budget, 0 = unlimited
	IRQLines       int           // Hardware lines (default devices.MaxIRQLines)
	QueueDepth     int           // Per-processor receive queue depth
	WaitTimeout    time.Duration // Enable() wait; hypervisor.Never blocks indefinitely
	IdlePoll       time.Duration // Run() idle wait before re-checking its context

	// TransportFactory builds the substrate endpoint of processor id.
	// Default: an in-process channel transport of QueueDepth.
	TransportFactory func(id int) (hypervisor.Transport, error)

	Logger *slog.Logger
	Debug  bool
}

const (
	DefaultIdlePoll = 10 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.NumVCPUs <= 0 {
		c.NumVCPUs = 1
	}
	if c.IRQLines <= 0 {
		c.IRQLines = devices.MaxIRQLines
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = hypervisor.DefaultQueueDepth
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = DefaultIdlePoll
	}
	if c.TransportFactory == nil {
		depth := c.QueueDepth
		c.TransportFactory = func(int) (hypervisor.Transport, error) {
			return hypervisor.NewChannelTransport(depth), nil
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
