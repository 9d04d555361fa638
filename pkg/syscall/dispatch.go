// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nucleuscore/nucleus/pkg/cap"
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/ipc/mq"
	"github.com/nucleuscore/nucleus/pkg/ipc/shm"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
	"github.com/nucleuscore/nucleus/pkg/signal"
)

// Numbers are the registered syscall numbers (spec §6), reusing the Linux
// x86-64 table's values since the surrounding ABI is already Linux-shaped
// (pkg/signal's signal numbers make the same choice).
const (
	NrRead           = 0
	NrWrite          = 1
	NrOpen           = 2
	NrClose          = 3
	NrLseek          = 8
	NrMmap           = 9
	NrMprotect       = 10
	NrMunmap         = 11
	NrBrk            = 12
	NrRtSigaction    = 13
	NrRtSigprocmask  = 14
	NrPipe           = 22
	NrSchedYield     = 24
	NrShmat          = 30
	NrShmctl         = 31
	NrNanosleep      = 35
	NrGetpid         = 39
	NrFork           = 57
	NrClone          = 56
	NrExit           = 60
	NrWait4          = 61
	NrKill           = 62
	NrUname          = 63
	NrShmget         = 29
	NrGetppid        = 110
	NrGetuid         = 102
	NrGetgid         = 104
	NrGeteuid        = 107
	NrGetegid        = 108
	NrSetuid         = 105
	NrSetgid         = 106
	NrUnshare        = 272
	NrPipe2          = 293
	NrMqOpen         = 240
	NrMqUnlink       = 241
	NrMqTimedsend    = 242
	NrMqTimedreceive = 243
)

// Args is a syscall's six-register argument vector (spec §4.8).
type Args [6]uint64

// Handler is one dispatch-table entry: a syscall body taking the calling
// thread and its raw arguments, returning a raw non-negative result. Errors
// are translated to -errno by Dispatch, never by the handler itself.
type Handler func(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error)

// Dispatcher wires the syscall vector table to the kernel's process/thread
// tables, scheduler, signal delivery, and IPC registries — everything a
// handler needs to carry out its call (spec §4.8's "fixed table indexed by
// syscall number").
type Dispatcher struct {
	logger    logr.Logger
	Kernel    *proc.Kernel
	Scheduler *sched.Scheduler
	Signals   *signal.Delivery
	Shm       *shm.Registry
	VFS       VFS

	mu          sync.Mutex
	mqs         map[string]*mq.Queue
	shmSegments map[uint32]*shm.Segment

	table [512]Handler
}

// New builds a Dispatcher and installs the default handler table.
func New(logger logr.Logger, k *proc.Kernel, s *sched.Scheduler, sig *signal.Delivery, shmRegistry *shm.Registry, vfs VFS) *Dispatcher {
	d := &Dispatcher{
		logger:      logger.WithName("syscall"),
		Kernel:      k,
		Scheduler:   s,
		Signals:     sig,
		Shm:         shmRegistry,
		VFS:         vfs,
		mqs:         make(map[string]*mq.Queue),
		shmSegments: make(map[uint32]*shm.Segment),
	}
	d.install()
	return d
}

func (d *Dispatcher) install() {
	d.table[NrExit] = sysExit
	d.table[NrFork] = sysFork
	d.table[NrClone] = sysFork
	d.table[NrWait4] = sysWait4
	d.table[NrKill] = sysKill
	d.table[NrGetpid] = sysGetpid
	d.table[NrGetppid] = sysGetppid
	d.table[NrGetuid] = sysGetuid
	d.table[NrGetgid] = sysGetgid
	d.table[NrGeteuid] = sysGeteuid
	d.table[NrGetegid] = sysGetegid
	d.table[NrSetuid] = sysSetuid
	d.table[NrSetgid] = sysSetgid
	d.table[NrSchedYield] = sysSchedYield
	d.table[NrRead] = sysRead
	d.table[NrWrite] = sysWrite
	d.table[NrOpen] = sysOpen
	d.table[NrClose] = sysClose
	d.table[NrPipe] = sysPipe
	d.table[NrPipe2] = sysPipe
	d.table[NrRtSigaction] = sysRtSigaction
	d.table[NrRtSigprocmask] = sysRtSigprocmask
	d.table[NrShmget] = sysShmget
	d.table[NrShmat] = sysShmat
	d.table[NrShmctl] = sysShmctl
	d.table[NrMqOpen] = sysMqOpen
	d.table[NrMqUnlink] = sysMqUnlink
	d.table[NrMqTimedsend] = sysMqTimedsend
	d.table[NrMqTimedreceive] = sysMqTimedreceive
}

// Dispatch looks up nr in the table and invokes it, encoding the result per
// spec §4.8: success is the non-negative value, failure is -errno.
func (d *Dispatcher) Dispatch(ctx context.Context, nr int, thread *proc.TCB, args Args) uint64 {
	if nr < 0 || nr >= len(d.table) || d.table[nr] == nil {
		return Result(0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.Dispatch", "unregistered syscall %d", nr))
	}
	value, err := d.table[nr](ctx, d, thread, args)
	return Result(value, err)
}

func (d *Dispatcher) process(thread *proc.TCB) (*proc.PCB, error) {
	p, ok := d.Kernel.Processes.Get(thread.Pid)
	if !ok {
		return nil, kernelerrors.Newf(kernelerrors.KindNotFound, "syscall.process", "pid %d not registered", thread.Pid)
	}
	return p, nil
}

func sysExit(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	d.Kernel.Exit(p, int(int32(args[0])), d.Signals)
	return 0, nil
}

func sysFork(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	flags := proc.CloneFlags{CloneVM: args[0] != 0, CloneFiles: args[1] != 0, CloneSighand: args[2] != 0}
	child, mainThread, err := d.Kernel.Fork(p, thread, flags)
	if err != nil {
		return 0, err
	}
	if err := d.Scheduler.AddThread(mainThread); err != nil {
		return 0, err
	}
	return uint64(child.Pid), nil
}

func sysWait4(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	reaped, _, err := d.Kernel.Wait(ctx, p, proc.Pid(args[0]))
	if err != nil {
		return 0, err
	}
	return uint64(reaped), nil
}

func sysKill(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	if err := d.Signals.Kill(p.Creds.Euid, proc.Pid(args[0]), int(args[1])); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysGetpid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	return uint64(thread.Pid), nil
}

func sysGetppid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	return uint64(p.PPid), nil
}

func sysGetuid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	return uint64(p.Creds.Uid), nil
}

func sysGetgid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	return uint64(p.Creds.Gid), nil
}

func sysGeteuid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	return uint64(p.Creds.Euid), nil
}

func sysGetegid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	return uint64(p.Creds.Egid), nil
}

// sysSetuid implements spec §8 scenario 6: euid 0 may set any uid; anyone
// else needs CAP_SETUID (which non-root processes don't carry by default).
func sysSetuid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	if p.Creds.Euid != 0 {
		if rerr := cap.RequireCapability(p.Creds.Euid, p.Caps, cap.CAP_SETUID); rerr != nil {
			return 0, rerr
		}
	}
	p.Creds.Uid = uint32(args[0])
	p.Creds.Euid = uint32(args[0])
	return 0, nil
}

func sysSetgid(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	if p.Creds.Euid != 0 {
		if rerr := cap.RequireCapability(p.Creds.Euid, p.Caps, cap.CAP_SETGID); rerr != nil {
			return 0, rerr
		}
	}
	p.Creds.Gid = uint32(args[0])
	p.Creds.Egid = uint32(args[0])
	return 0, nil
}

// sysSchedYield re-enqueues the caller at its current priority and forces
// an immediate reschedule on the CPU it's running on.
func sysSchedYield(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	cpu := thread.CurrentCPU
	if cpu < 0 || cpu >= len(d.Scheduler.CPUs()) {
		return 0, nil
	}
	thread.SetState(proc.ThreadReady)
	d.Scheduler.Schedule(d.Scheduler.CPUs()[cpu])
	return 0, nil
}
