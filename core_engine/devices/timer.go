// core_engine/devices/timer.go
package devices

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"example.com/v-intr/core_engine/hypervisor"
)

// EventSink accepts substrate messages for one processor.
type EventSink interface {
	Deliver(m hypervisor.Message) error
}

// Timer is the periodic clock source. Every tick posts a TimerIRQ event to
// its sink, the way the host's interval timer would signal the guest.
type Timer struct {
	sink   EventSink
	line   uint32
	period time.Duration
	log    *slog.Logger

	ticks   atomic.Uint64
	dropped atomic.Uint64

	lock sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTimer creates a stopped timer firing hz times per second.
func NewTimer(sink EventSink, hz int, logger *slog.Logger) *Timer {
	if hz <= 0 {
		hz = DefaultTimerHz
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		sink:   sink,
		line:   TimerIRQ,
		period: time.Second / time.Duration(hz),
		log:    logger,
	}
}

// Period returns the time between two ticks.
func (t *Timer) Period() time.Duration {
	return t.period
}

// Tick delivers one timer event synchronously.
func (t *Timer) Tick() error {
	t.ticks.Add(1)
	if err := t.sink.Deliver(hypervisor.IRQMessage(t.line)); err != nil {
		t.dropped.Add(1)
		return fmt.Errorf("timer tick %d: %w", t.ticks.Load(), err)
	}
	return nil
}

// Start begins ticking in the background. Starting a running timer is a no-op.
func (t *Timer) Start() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
}

func (t *Timer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.Tick(); err != nil {
				// A full queue means the guest has not taken the last ticks yet.
				t.log.Debug("devices: timer tick dropped", "err", err)
			}
		}
	}
}

// Stop halts the ticker and waits for the goroutine to exit.
func (t *Timer) Stop() {
	t.lock.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.lock.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Ticks returns the number of ticks generated, including dropped ones.
func (t *Timer) Ticks() uint64 { return t.ticks.Load() }

// Dropped returns the number of ticks the sink refused.
func (t *Timer) Dropped() uint64 { return t.dropped.Load() }
