// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package signal implements signal delivery: sigaction/sigprocmask/kill/send,
// SIGKILL/SIGSTOP immutability, and the return-to-user computation of
// pending&~blocked that decides what a thread sees before it resumes in
// user mode (spec §4.5, §3 Signal State).
package signal

import (
	"golang.org/x/sys/unix"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// Signal numbers reuse golang.org/x/sys/unix's Linux values rather than a
// hand-rolled table, since this core's ABI is otherwise Linux-shaped.
const (
	SIGHUP  = int(unix.SIGHUP)
	SIGINT  = int(unix.SIGINT)
	SIGQUIT = int(unix.SIGQUIT)
	SIGILL  = int(unix.SIGILL)
	SIGABRT = int(unix.SIGABRT)
	SIGBUS  = int(unix.SIGBUS)
	SIGFPE  = int(unix.SIGFPE)
	SIGKILL = int(unix.SIGKILL)
	SIGUSR1 = int(unix.SIGUSR1)
	SIGSEGV = int(unix.SIGSEGV)
	SIGUSR2 = int(unix.SIGUSR2)
	SIGPIPE = int(unix.SIGPIPE)
	SIGALRM = int(unix.SIGALRM)
	SIGTERM = int(unix.SIGTERM)
	SIGCHLD = int(unix.SIGCHLD)
	SIGCONT = int(unix.SIGCONT)
	SIGSTOP = int(unix.SIGSTOP)
	SIGTSTP = int(unix.SIGTSTP)

	numSignals = 32
)

// Info is the queued payload a signal carries (spec §4.5: "sender pid/uid,
// code, errno, and an address").
type Info struct {
	Signo   int
	SenderP proc.Pid
	SenderU uint32
	Code    int
	Errno   int
	Addr    uint64
}

// Delivery is the per-thread service: sigaction/sigprocmask/kill/send plus
// the return-to-user decision. It needs both tables (process-wide handler
// table, per-thread pending/blocked) so it lives alongside proc rather than
// inside it, to keep proc free of delivery-policy code.
type Delivery struct {
	Processes *proc.ProcessTable
	Threads   *proc.ThreadTable
}

func New(processes *proc.ProcessTable, threads *proc.ThreadTable) *Delivery {
	return &Delivery{Processes: processes, Threads: threads}
}

func isImmutable(sig int) bool { return sig == SIGKILL || sig == SIGSTOP }

// Sigaction installs a new handler for sig on process, returning the
// previous one. SIGKILL/SIGSTOP reject any change (spec §4.5).
func (d *Delivery) Sigaction(process *proc.PCB, sig int, new proc.SigHandler) (proc.SigHandler, error) {
	if sig < 0 || sig >= numSignals {
		return proc.SigHandler{}, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "signal.Sigaction", "signal %d out of range", sig)
	}
	old := process.Signals.Handler(sig)
	if isImmutable(sig) {
		return old, kernelerrors.Wrap(kernelerrors.KindPermission, "signal.Sigaction", kernelerrors.ErrPermissionDenied)
	}
	process.Signals.SetHandler(sig, new)
	return old, nil
}

// SigHow mirrors SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK.
type SigHow int

const (
	SigBlock SigHow = iota
	SigUnblock
	SigSetMask
)

// Sigprocmask updates thread's blocked-signal mask per how, returning the
// previous mask. SIGKILL/SIGSTOP can never be blocked.
func (d *Delivery) Sigprocmask(thread *proc.TCB, how SigHow, mask uint32) uint32 {
	_, old := thread.Signals.Snapshot()
	immutable := uint32(1<<uint(SIGKILL) | 1<<uint(SIGSTOP))
	var next uint32
	switch how {
	case SigBlock:
		next = old | mask
	case SigUnblock:
		next = old &^ mask
	case SigSetMask:
		next = mask
	}
	thread.Signals.SetBlocked(next &^ immutable)
	return old
}

// Kill implements spec §4.8's kill: lookup, permission check, and
// pending-set update all happen while the process table's lock is held, so
// the target cannot be reaped (and its pid reused) mid-call. The target's
// state is not checked: a zombie target passes the lookup, and since its
// threads are already gone from the thread table, nothing is set pending.
func (d *Delivery) Kill(callerUid uint32, targetPid proc.Pid, sig int) error {
	d.Processes.Lock()
	defer d.Processes.Unlock()

	target, ok := d.Processes.GetLocked(targetPid)
	if !ok {
		return kernelerrors.Newf(kernelerrors.KindNotFound, "signal.Kill", "no such process %d", targetPid)
	}
	targetCreds := target.Creds // read without a lock; setuid/setgid also rewrite credentials without one
	if callerUid != 0 && callerUid != targetCreds.Uid {
		return kernelerrors.Wrap(kernelerrors.KindPermission, "signal.Kill", kernelerrors.ErrPermissionDenied)
	}
	return d.deliverToProcess(target, sig, Info{Signo: sig, SenderU: callerUid})
}

// deliverToProcess sets sig pending on every thread of process (Linux
// delivers a process-directed signal to an arbitrary member of the thread
// group; this core delivers it to all, which is a safe superset for the
// single-threaded-process-dominant workloads this kernel targets).
func (d *Delivery) deliverToProcess(process *proc.PCB, sig int, info Info) error {
	for _, tid := range process.ThreadsSnapshot() {
		t, ok := d.Threads.Get(tid)
		if !ok {
			continue
		}
		d.Send(t, info)
	}
	return nil
}

// Send implements spec §4.5's send(target_thread, info): marks info.Signo
// pending on the target thread. Only the pending bit is recorded, so
// repeated sends of one signal collapse to one; the rest of info (sender,
// code, errno, address) is not stored, and ComputeDelivery reports only the
// signal number and its handler.
func (d *Delivery) Send(thread *proc.TCB, info Info) {
	thread.Signals.SetPending(info.Signo)
}

// SendSIGCHLD satisfies proc.SignalSender: Exit calls this to notify a
// parent without proc importing this package.
func (d *Delivery) SendSIGCHLD(target proc.Pid, from proc.Pid) {
	_ = d.Kill(0, target, SIGCHLD)
}

// Action is what ComputeDelivery says the current thread should do on
// return to user mode.
type Action struct {
	Signal  int
	Handler proc.SigHandler
	Kind    HandlerKind
}

type HandlerKind int

const (
	KindNone HandlerKind = iota
	KindDefault
	KindIgnore
	KindHandler
)

// ComputeDelivery implements spec §4.5's return-to-user computation:
// pending &^ blocked, lowest-numbered signal wins, classified by the
// process's handler table entry.
func (d *Delivery) ComputeDelivery(process *proc.PCB, thread *proc.TCB) Action {
	pending, blocked := thread.Signals.Snapshot()
	ready := pending &^ blocked
	if ready == 0 {
		return Action{Kind: KindNone}
	}
	for sig := 0; sig < numSignals; sig++ {
		if ready&(1<<uint(sig)) == 0 {
			continue
		}
		thread.Signals.ClearPending(sig)
		h := process.Signals.Handler(sig)
		switch {
		case isImmutable(sig):
			return Action{Signal: sig, Handler: h, Kind: KindDefault}
		case h.Action == proc.ActionIgnore:
			return Action{Signal: sig, Handler: h, Kind: KindIgnore}
		case h.Action == proc.ActionHandler:
			return Action{Signal: sig, Handler: h, Kind: KindHandler}
		default:
			return Action{Signal: sig, Handler: h, Kind: KindDefault}
		}
	}
	return Action{Kind: KindNone}
}
