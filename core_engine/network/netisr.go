// core_engine/network/netisr.go
package network

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"example.com/v-intr/core_engine/softintr"
)

// NetISRMax is the number of legacy network service routine slots, one per
// bit of the netisr word.
const NetISRMax = 32

// Well known routine numbers.
const (
	NetISRIP     = 2
	NetISRARP    = 18
	NetISRIPv6   = 24
	NetISRPPP    = 28
	NetISRBridge = 29
)

// NetISRs is the table of legacy network service routines. Scheduling a
// routine sets its bit and latches the soft network interrupt; the routines
// run on the soft network level ahead of the queued softnet handlers.
type NetISRs struct {
	pending  atomic.Uint32
	lock     sync.Mutex
	routines [NetISRMax]func()
	raiser   softintr.Raiser
}

// NewNetISRs creates an empty table latching through raiser.
func NewNetISRs(raiser softintr.Raiser) *NetISRs {
	return &NetISRs{raiser: raiser}
}

// Register installs fn as routine n, replacing any previous one.
func (n *NetISRs) Register(num int, fn func()) error {
	if num < 0 || num >= NetISRMax {
		return fmt.Errorf("netisr %d out of range [0,%d)", num, NetISRMax)
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	n.routines[num] = fn
	return nil
}

// Schedule marks routine num for execution on the next soft network pass.
func (n *NetISRs) Schedule(num int) {
	if num < 0 || num >= NetISRMax {
		return
	}
	n.pending.Or(1 << uint(num))
	if n.raiser != nil {
		n.raiser.RaiseSoft(softintr.SIRNet)
	}
}

// Pending returns the current netisr word.
func (n *NetISRs) Pending() uint32 {
	return n.pending.Load()
}

// Run executes every scheduled routine once, lowest bit first, and returns
// how many ran. Bits set while Run is executing are left for the next pass.
func (n *NetISRs) Run() int {
	word := n.pending.Swap(0)
	if word == 0 {
		return 0
	}

	n.lock.Lock()
	routines := n.routines
	n.lock.Unlock()

	ran := 0
	for word != 0 {
		i := bits.TrailingZeros32(word)
		word &^= 1 << uint(i)
		if f := routines[i]; f != nil {
			f()
			ran++
		}
	}
	return ran
}
