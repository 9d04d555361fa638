// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched is the per-CPU preemptive priority scheduler: run queues,
// pick/schedule/tick, cross-CPU load balancing, priority inheritance, and
// timed wait queues.
package sched

import (
	"container/list"
	"math/bits"
	"sync"

	"github.com/nucleuscore/nucleus/pkg/proc"
)

// numPriorities is the width of the priority space (spec §4.4's "256
// priority run queues"); priority 255 is highest.
const numPriorities = 256

// bitmapWords holds one presence bit per priority level, four 64-bit words
// scanned with bits.LeadingZeros64 to find the highest occupied level.
const bitmapWords = numPriorities / 64

// DefaultTimeSliceTicks is the time slice Schedule grants the thread it
// picks (spec §4.4: "set its time slice to 10 ms"), expressed in timer
// ticks rather than wall-clock time since Tick is driven by the timer
// interrupt, not a clock.
const DefaultTimeSliceTicks = 10

// CPU is one scheduler core: a priority bitmap, 256 run queues, and the
// thread currently executing on it.
type CPU struct {
	ID int

	mu      sync.Mutex
	bitmap  [bitmapWords]uint64
	queues  [numPriorities]list.List // each element is proc.Tid

	current *proc.TCB
	idle    *proc.TCB

	countRunnable int // atomic-free: only ever read/written under mu or via CountRunnable
}

// NewCPU builds an idle CPU. idle is the thread PickNext returns when every
// run queue is empty; it must never block or exit.
func NewCPU(id int, idle *proc.TCB) *CPU {
	return &CPU{ID: id, idle: idle}
}

// CountRunnable reports the number of threads currently queued (not
// counting the one running), used by both enqueue placement and the load
// balancer's average.
func (c *CPU) CountRunnable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countRunnable
}

// Current returns the thread presently running on this CPU, or nil.
func (c *CPU) Current() *proc.TCB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *CPU) setBit(priority int) {
	c.bitmap[priority/64] |= 1 << uint(priority%64)
}

func (c *CPU) clearBit(priority int) {
	c.bitmap[priority/64] &^= 1 << uint(priority%64)
}

// highestSetPriority returns the highest priority with a non-empty queue
// and true, or (0, false) if every queue is empty. It scans from the
// top word down, per spec §4.4's "find-first-set from the top of the
// priority bitmap".
func (c *CPU) highestSetPriority() (int, bool) {
	for word := bitmapWords - 1; word >= 0; word-- {
		if c.bitmap[word] == 0 {
			continue
		}
		lz := bits.LeadingZeros64(c.bitmap[word])
		bit := 63 - lz
		return word*64 + bit, true
	}
	return 0, false
}

func (c *CPU) enqueueLocked(tid proc.Tid, priority int) {
	c.queues[priority].PushBack(tid)
	c.setBit(priority)
	c.countRunnable++
}

func (c *CPU) dequeueHighestLocked() (proc.Tid, bool) {
	priority, ok := c.highestSetPriority()
	if !ok {
		return 0, false
	}
	q := &c.queues[priority]
	front := q.Front()
	tid := q.Remove(front).(proc.Tid)
	if q.Len() == 0 {
		c.clearBit(priority)
	}
	c.countRunnable--
	return tid, true
}

// removeEligibleForMigration pops the highest-priority queued thread whose
// affinity permits running on targetCPU, used by the load balancer to steal
// work from this (overloaded) CPU without violating affinity.
func (c *CPU) removeEligibleForMigration(threads *proc.ThreadTable, targetCPU int) (proc.Tid, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for priority := numPriorities - 1; priority >= 0; priority-- {
		q := &c.queues[priority]
		for e := q.Front(); e != nil; e = e.Next() {
			tid := e.Value.(proc.Tid)
			t, ok := threads.Get(tid)
			if !ok {
				continue
			}
			if t.Affinity&(1<<uint(targetCPU)) == 0 {
				continue
			}
			q.Remove(e)
			if q.Len() == 0 {
				c.clearBit(priority)
			}
			c.countRunnable--
			return tid, true
		}
	}
	return 0, false
}
