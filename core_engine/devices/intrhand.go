// core_engine/devices/intrhand.go
package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

var ErrBadLine = errors.New("devices: interrupt line out of range")

// IntrHand is one handler on a (possibly shared) interrupt line.
type IntrHand struct {
	fn      func(any) bool
	arg     any
	name    string
	line    int
	count   atomic.Uint64 // Times this handler claimed the interrupt
	removed atomic.Bool
}

// Name returns the device name given at establish time.
func (ih *IntrHand) Name() string { return ih.name }

// Line returns the interrupt line the handler is attached to.
func (ih *IntrHand) Line() int { return ih.line }

// Count returns how many dispatches this handler reported as handled.
func (ih *IntrHand) Count() uint64 { return ih.count.Load() }

type chain []*IntrHand

// IntrTable maps interrupt lines to their handler chains. Each line's chain
// is immutable once published; changes swap in a new chain under mu, so a
// concurrent Dispatch always walks a complete chain.
type IntrTable struct {
	mu    sync.Mutex // Serializes Establish/Disestablish only
	lines []atomic.Pointer[chain]
	log   *slog.Logger
}

// NewIntrTable creates a table for nlines lines (MaxIRQLines when <= 0).
func NewIntrTable(nlines int, logger *slog.Logger) *IntrTable {
	if nlines <= 0 {
		nlines = MaxIRQLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntrTable{
		lines: make([]atomic.Pointer[chain], nlines),
		log:   logger,
	}
}

// NumLines returns the number of lines served by the table.
func (t *IntrTable) NumLines() int {
	return len(t.lines)
}

// Establish appends a handler to line's chain. fn is called with arg, or
// with the dispatch context when arg is nil, and reports whether its
// device raised the interrupt.
func (t *IntrTable) Establish(line int, name string, fn func(any) bool, arg any) (*IntrHand, error) {
	if line < 0 || line >= len(t.lines) {
		return nil, fmt.Errorf("establish %q on line %d: %w", name, line, ErrBadLine)
	}
	if fn == nil {
		return nil, fmt.Errorf("establish %q on line %d: nil handler", name, line)
	}
	ih := &IntrHand{fn: fn, arg: arg, name: name, line: line}

	t.mu.Lock()
	defer t.mu.Unlock()

	var next chain
	if old := t.lines[line].Load(); old != nil {
		next = slices.Clone(*old)
	}
	next = append(next, ih)
	t.lines[line].Store(&next)

	if len(next) > 1 {
		t.log.Debug("devices: line shared", "line", line, "handler", name, "chain", len(next))
	}
	return ih, nil
}

// Disestablish unlinks ih. A dispatch already walking the old chain skips it.
func (t *IntrTable) Disestablish(ih *IntrHand) error {
	if ih == nil {
		return nil
	}
	if ih.line < 0 || ih.line >= len(t.lines) {
		return fmt.Errorf("disestablish %q: %w", ih.name, ErrBadLine)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.lines[ih.line].Load()
	if old == nil {
		return fmt.Errorf("disestablish %q: not on line %d", ih.name, ih.line)
	}
	i := slices.Index(*old, ih)
	if i < 0 {
		return fmt.Errorf("disestablish %q: not on line %d", ih.name, ih.line)
	}

	ih.removed.Store(true)
	next := slices.Delete(slices.Clone(*old), i, i+1)
	if len(next) == 0 {
		t.lines[ih.line].Store(nil)
	} else {
		t.lines[ih.line].Store(&next)
	}
	return nil
}

// Dispatch runs every handler on line in registration order and returns
// true if at least one of them handled the interrupt. A handler returning
// true does not stop the walk: other devices on the line may be asserting
// too.
func (t *IntrTable) Dispatch(line int, ctx any) bool {
	if line < 0 || line >= len(t.lines) {
		return false
	}
	c := t.lines[line].Load()
	if c == nil {
		return false
	}

	result := false
	for _, ih := range *c {
		if ih.removed.Load() {
			continue
		}
		arg := ih.arg
		if arg == nil {
			arg = ctx
		}
		if ih.fn(arg) {
			ih.count.Add(1)
			result = true
		}
	}
	return result
}

// Handlers lists the names on line's chain, in dispatch order.
func (t *IntrTable) Handlers(line int) []string {
	if line < 0 || line >= len(t.lines) {
		return nil
	}
	c := t.lines[line].Load()
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(*c))
	for _, ih := range *c {
		names = append(names, ih.name)
	}
	return names
}
