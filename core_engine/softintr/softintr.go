// Package softintr implements the software interrupt queues: one ordered
// queue of pending handlers per soft interrupt class, drained to empty by
// the processor that takes the class.
package softintr

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Index selects one of the soft interrupt queues.
type Index int

const (
	SoftClock Index = iota
	SoftNet
	SoftTTY

	NSoftIntr = 3
)

// Pending bit numbers in a processor's pending word.
const (
	SIRClock uint32 = 31
	SIRNet   uint32 = 30
	SIRTTY   uint32 = 29
)

var indexToSIR = [NSoftIntr]uint32{
	SIRClock,
	SIRNet,
	SIRTTY,
}

var (
	ErrNoMemory     = errors.New("softintr: out of handler slots")
	ErrInvalidIndex = errors.New("softintr: invalid soft interrupt index")
)

func (i Index) String() string {
	switch i {
	case SoftClock:
		return "softclock"
	case SoftNet:
		return "softnet"
	case SoftTTY:
		return "softtty"
	}
	return fmt.Sprintf("softintr(%d)", int(i))
}

// SIR returns the pending bit latched when work is queued at i.
func (i Index) SIR() uint32 {
	return indexToSIR[i]
}

func (i Index) valid() bool {
	return i >= 0 && i < NSoftIntr
}

// Raiser latches a pending bit on a processor so that the queue gets
// drained once that processor's priority allows it.
type Raiser interface {
	RaiseSoft(sir uint32)
}

// Handle is one established soft interrupt handler. Its queue is referred
// to by index; the table owns the queue.
type Handle struct {
	which Index
	fn    func(any)
	arg   any

	// Guarded by the owning queue's lock.
	pending  bool
	released bool
	elem     *list.Element
}

// Index returns the queue the handle was established on.
func (h *Handle) Index() Index {
	return h.which
}

// Queue is the ordered list of pending handles of one class.
type Queue struct {
	lock  sync.Mutex
	q     list.List // of *Handle
	which Index
	ssir  uint32
}

// Config tunes a Table. The zero value is usable.
type Config struct {
	MaxHandles int    // 0 means unlimited
	Raiser     Raiser // default target of Schedule
	Logger     *slog.Logger
	Debug      bool
}

// Table holds every soft interrupt queue.
type Table struct {
	queues [NSoftIntr]Queue
	raiser Raiser
	max    int64
	live   atomic.Int64
	softs  atomic.Uint64
	log    *slog.Logger
	debug  bool
}

// New initializes the soft interrupt system.
func New(cfg Config) *Table {
	t := &Table{
		raiser: cfg.Raiser,
		max:    int64(cfg.MaxHandles),
		log:    cfg.Logger,
		debug:  cfg.Debug,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	for i := range t.queues {
		q := &t.queues[i]
		q.q.Init()
		q.which = Index(i)
		q.ssir = indexToSIR[i]
	}
	return t
}

// Establish registers fn to be called with arg each time the returned
// handle is scheduled and drained. The handle starts out idle.
func (t *Table) Establish(which Index, fn func(any), arg any) (*Handle, error) {
	if !which.valid() {
		return nil, fmt.Errorf("establish %v: %w", which, ErrInvalidIndex)
	}
	if fn == nil {
		return nil, fmt.Errorf("establish %v: nil handler", which)
	}
	if n := t.live.Add(1); t.max > 0 && n > t.max {
		t.live.Add(-1)
		return nil, fmt.Errorf("establish %v: %w", which, ErrNoMemory)
	}
	return &Handle{which: which, fn: fn, arg: arg}, nil
}

// Disestablish removes h from its queue if it is pending and releases it.
// A drain that already dequeued h still runs it once; no later one will.
func (t *Table) Disestablish(h *Handle) {
	if h == nil || h.fn == nil || !h.which.valid() {
		return
	}
	q := &t.queues[h.which]

	q.lock.Lock()
	if h.released {
		q.lock.Unlock()
		return
	}
	if h.pending {
		q.q.Remove(h.elem)
		h.elem = nil
		h.pending = false
	}
	h.released = true
	q.lock.Unlock()

	t.live.Add(-1)
}

// Schedule queues h and latches its class on the table's default processor.
func (t *Table) Schedule(h *Handle) {
	t.ScheduleOn(h, t.raiser)
}

// ScheduleOn queues h unless it is already pending, then latches the
// class pending bit through r. Released handles are ignored.
func (t *Table) ScheduleOn(h *Handle, r Raiser) {
	if h == nil {
		return
	}
	q := &t.queues[h.which]

	q.lock.Lock()
	if h.released {
		q.lock.Unlock()
		return
	}
	if !h.pending {
		h.elem = q.q.PushBack(h)
		h.pending = true
	}
	q.lock.Unlock()

	if r != nil {
		r.RaiseSoft(q.ssir)
	}
}

// Dispatch runs the handlers queued at which until the queue is observed
// empty, including handlers queued by the handlers themselves. The queue
// lock is never held across a handler. It returns the number of calls made.
func (t *Table) Dispatch(which Index) int {
	if !which.valid() {
		panic(fmt.Sprintf("softintr: dispatch of %v", which))
	}
	q := &t.queues[which]

	n := 0
	for {
		q.lock.Lock()
		front := q.q.Front()
		if front == nil {
			q.lock.Unlock()
			break
		}
		h := q.q.Remove(front).(*Handle)
		h.elem = nil
		h.pending = false
		fn, arg := h.fn, h.arg

		t.softs.Add(1)

		q.lock.Unlock()

		fn(arg)
		n++
	}

	if t.debug && n > 0 {
		t.log.Debug("softintr: queue drained", "queue", which.String(), "handlers", n)
	}
	return n
}

// Pending returns the number of handles queued at which.
func (t *Table) Pending(which Index) int {
	if !which.valid() {
		return 0
	}
	q := &t.queues[which]
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.q.Len()
}

// Softs returns the number of soft interrupt handler calls made so far.
func (t *Table) Softs() uint64 {
	return t.softs.Load()
}

// Live returns the number of established, not yet released handles.
func (t *Table) Live() int {
	return int(t.live.Load())
}
