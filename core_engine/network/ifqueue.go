// core_engine/network/ifqueue.go
package network

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultIfQueueLen is the input queue limit used when none is given.
const DefaultIfQueueLen = 256

// IfQueue is a bounded protocol input queue. A receive interrupt fills it,
// a netisr routine empties it.
type IfQueue struct {
	lock   sync.Mutex
	pkts   [][]byte
	maxLen int
	drops  atomic.Uint64
}

// NewIfQueue creates an empty queue holding at most maxLen packets.
func NewIfQueue(maxLen int) *IfQueue {
	if maxLen <= 0 {
		maxLen = DefaultIfQueueLen
	}
	return &IfQueue{maxLen: maxLen}
}

// Enqueue appends p, or drops it and returns false when the queue is full.
func (q *IfQueue) Enqueue(p []byte) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.pkts) >= q.maxLen {
		q.drops.Add(1)
		return false
	}
	q.pkts = append(q.pkts, p)
	return true
}

// Dequeue removes the oldest packet, or returns nil.
func (q *IfQueue) Dequeue() []byte {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.pkts) == 0 {
		return nil
	}
	p := q.pkts[0]
	q.pkts[0] = nil
	q.pkts = q.pkts[1:]
	return p
}

// Len returns the number of queued packets.
func (q *IfQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pkts)
}

// Drops returns the number of packets refused because the queue was full.
func (q *IfQueue) Drops() uint64 { return q.drops.Load() }

// Input moves every frame src has ready into q, stopping at the first nil
// or empty read, and schedules routine num if any were queued. It is the
// body of a receive interrupt handler.
func Input(src HostNetInterface, q *IfQueue, isrs *NetISRs, num int) (int, error) {
	queued := 0
	for {
		p, err := src.ReadPacket()
		if err != nil {
			if queued > 0 {
				isrs.Schedule(num)
			}
			return queued, fmt.Errorf("network input: %w", err)
		}
		if len(p) == 0 {
			break
		}
		if q.Enqueue(p) {
			queued++
		}
	}
	if queued > 0 {
		isrs.Schedule(num)
	}
	return queued, nil
}

// Drain hands every queued packet to fn in arrival order and returns the
// count. It is the body of a netisr routine.
func Drain(q *IfQueue, fn func([]byte)) int {
	n := 0
	for p := q.Dequeue(); p != nil; p = q.Dequeue() {
		fn(p)
		n++
	}
	return n
}
