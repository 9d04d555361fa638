// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package intr

import (
	"github.com/go-logr/logr"

	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
	"github.com/nucleuscore/nucleus/pkg/signal"
)

// ExceptionHandler handles one exception vector for the thread that was
// running when the trap stub saved Frame.
type ExceptionHandler func(r *Router, thread *proc.TCB, f Frame)

// Router dispatches a captured exception frame to the handler registered
// for its vector, falling back to raising the matching fatal signal on the
// interrupted thread's process (spec §4.9: "exception frame capture... page
// fault → classify... handler").
type Router struct {
	logger    logr.Logger
	Kernel    *proc.Kernel
	Scheduler *sched.Scheduler
	Signals   *signal.Delivery

	table [256]ExceptionHandler
}

// New builds a Router with the default page-fault and timer handlers
// installed. Additional vectors (breakpoint, invalid-opcode, ...) can be
// registered with RegisterHandler; anything left unregistered falls
// through to the generic "raise the matching fatal signal" handler.
func New(logger logr.Logger, k *proc.Kernel, s *sched.Scheduler, sig *signal.Delivery) *Router {
	r := &Router{logger: logger.WithName("intr"), Kernel: k, Scheduler: s, Signals: sig}
	r.table[VectorPageFault] = handlePageFault
	r.table[VectorTimer] = handleTimerTick
	return r
}

// RegisterHandler installs h for vector, overriding any default.
func (r *Router) RegisterHandler(vector int, h ExceptionHandler) {
	r.table[vector] = h
}

// Dispatch routes f to its handler. thread is whatever was current on the
// CPU that trapped; for the timer vector it may be the idle thread.
func (r *Router) Dispatch(thread *proc.TCB, f Frame) {
	if h := r.table[f.Vector]; h != nil {
		h(r, thread, f)
		return
	}
	r.raiseFatal(thread, f)
}

// fatalSignal maps an unhandled exception vector to the signal a real
// kernel would deliver for it.
func fatalSignal(vector int) int {
	switch vector {
	case VectorDivideError:
		return signal.SIGFPE
	case VectorInvalidOp:
		return signal.SIGILL
	case VectorGPFault, VectorDoubleFault:
		return signal.SIGSEGV
	default:
		return signal.SIGSEGV
	}
}

func (r *Router) raiseFatal(thread *proc.TCB, f Frame) {
	p, ok := r.Kernel.Processes.Get(thread.Pid)
	if !ok {
		r.logger.Error(nil, "exception on unregistered process", "pid", thread.Pid, "vector", f.Vector)
		return
	}
	sig := fatalSignal(f.Vector)
	r.logger.Info("raising fatal signal for unhandled exception", "pid", p.Pid, "vector", f.Vector, "signal", sig)
	r.Signals.Send(thread, signal.Info{Signo: sig, Code: f.Vector, Addr: f.FaultAddr})
}
