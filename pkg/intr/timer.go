// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package intr

import "github.com/nucleuscore/nucleus/pkg/proc"

// handleTimerTick forwards the timer interrupt to the scheduler (spec
// §4.9: "timer IRQ → scheduler tick → possible preempt → context switch").
// The vector carries no CPU identity, so the CPU is taken from the
// interrupted thread's CurrentCPU; a thread not running on a known CPU
// produces no tick. TickCPU is the entry point for callers that already
// know the CPU.
func handleTimerTick(r *Router, thread *proc.TCB, f Frame) {
	cpus := r.Scheduler.CPUs()
	if thread.CurrentCPU < 0 || thread.CurrentCPU >= len(cpus) {
		return
	}
	r.Scheduler.Tick(cpus[thread.CurrentCPU])
}

// TickCPU runs the timer handler directly for a known CPU index, for
// callers (tests, a bare-metal local-APIC timer stub) that already know
// which *sched.CPU trapped rather than deriving it from the interrupted
// thread.
func (r *Router) TickCPU(cpuIndex int) {
	r.Scheduler.Tick(r.Scheduler.CPUs()[cpuIndex])
}
