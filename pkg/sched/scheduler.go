// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync/atomic"

	"github.com/go-logr/logr"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// Scheduler owns every CPU's run queues plus the thread table needed to
// resolve a queued tid back to its TCB.
type Scheduler struct {
	logger    logr.Logger
	hal       hal.HAL
	threads   *proc.ThreadTable
	processes *proc.ProcessTable
	cpus      []*CPU

	currentTick atomic.Uint64
}

// NewScheduler builds a scheduler over the given per-CPU idle threads, one
// CPU per entry in idleThreads.
func NewScheduler(logger logr.Logger, h hal.HAL, processes *proc.ProcessTable, threads *proc.ThreadTable, idleThreads []*proc.TCB) *Scheduler {
	cpus := make([]*CPU, len(idleThreads))
	for i, idle := range idleThreads {
		cpus[i] = NewCPU(i, idle)
	}
	return &Scheduler{logger: logger.WithName("sched"), hal: h, threads: threads, processes: processes, cpus: cpus}
}

func (s *Scheduler) CPUs() []*CPU { return s.cpus }

// AddThread implements spec §4.4's add_thread: pick the best eligible CPU
// (honoring affinity, lowest count_runnable), enqueue t at its priority,
// and mark it Ready.
func (s *Scheduler) AddThread(t *proc.TCB) error {
	target := s.bestCPU(t)
	if target == nil {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "sched.AddThread", "no CPU satisfies affinity mask %#x", t.Affinity)
	}
	t.SetState(proc.ThreadReady)
	target.mu.Lock()
	target.enqueueLocked(t.Tid, t.Priority)
	target.mu.Unlock()
	return nil
}

func (s *Scheduler) bestCPU(t *proc.TCB) *CPU {
	var best *CPU
	bestCount := -1
	for _, c := range s.cpus {
		if t.Affinity&(1<<uint(c.ID)) == 0 {
			continue
		}
		n := c.CountRunnable()
		if best == nil || n < bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// PickNext implements spec §4.4's pick_next: find-first-set from the top
// of the priority bitmap, dequeue the head; the idle thread if nothing is
// runnable.
func (s *Scheduler) PickNext(c *CPU) *proc.TCB {
	c.mu.Lock()
	tid, ok := c.dequeueHighestLocked()
	c.mu.Unlock()
	if !ok {
		return c.idle
	}
	t, ok := s.threads.Get(tid)
	if !ok {
		return c.idle
	}
	return t
}

// Schedule implements spec §4.4: pick next, re-enqueue the previous thread
// if it's still runnable, activate next's address space, and switch.
// Queue manipulation happens under c.mu, which is released before the
// (simulated) context switch runs.
func (s *Scheduler) Schedule(c *CPU) {
	next := s.PickNext(c)

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()

	if next == prev {
		return
	}

	if prev != nil && prev.GetState() == proc.ThreadReady {
		c.mu.Lock()
		c.enqueueLocked(prev.Tid, prev.Priority)
		c.mu.Unlock()
	}

	next.SetState(proc.ThreadRunning)
	next.TimeSlice = DefaultTimeSliceTicks

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	next.CurrentCPU = c.ID

	if p, ok := s.processes.Get(next.Pid); ok && p.AddressSpace != nil {
		s.activate(p.AddressSpace)
	}

	s.logger.V(1).Info("context switch", "cpu", c.ID, "prev", threadName(prev), "next", next.Name)
}

func threadName(t *proc.TCB) string {
	if t == nil {
		return "<none>"
	}
	return t.Name
}

func (s *Scheduler) activate(as *paging.AddressSpace) {
	s.hal.WriteCR(3, as.Root())
}

// Tick implements spec §4.4: decrement the running thread's time slice;
// reaching zero reschedules. Called on every timer interrupt for c.
func (s *Scheduler) Tick(c *CPU) {
	s.currentTick.Add(1)

	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return
	}
	cur.TimeSlice--
	cur.CPUTimeTicks++
	if cur.TimeSlice <= 0 {
		s.Schedule(c)
	}
}

// CurrentTick returns the scheduler's monotonic timer-tick counter, the
// unit wake_deadline values are expressed in (spec §4.4).
func (s *Scheduler) CurrentTick() uint64 { return s.currentTick.Load() }

// ExpireTimeouts promotes every thread whose wake_deadline has passed on q
// back to Ready and enqueues it on its best CPU (spec §4.4: "the tick
// handler promotes them to Ready when the deadline passes"). Returns the
// threads that timed out, for callers that need to report TimedOut to them.
func (s *Scheduler) ExpireTimeouts(q *WaitQueue) []*proc.TCB {
	expired := q.ExpireTimeouts(s.CurrentTick())
	for _, t := range expired {
		if err := s.AddThread(t); err != nil {
			s.logger.Error(err, "failed to re-enqueue timed-out thread", "tid", t.Tid)
		}
	}
	return expired
}
