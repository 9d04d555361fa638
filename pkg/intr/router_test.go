// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package intr_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/cap"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/intr"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
	"github.com/nucleuscore/nucleus/pkg/signal"
)

type testEnv struct {
	router *intr.Router
	k      *proc.Kernel
	p      *proc.PCB
	thread *proc.TCB
	frames *frame.Allocator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sim, err := hal.NewSimulated(128 * 1024 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	fa, err := frame.New(logr.Discard(), boot.Info{MemoryMap: []boot.MemoryMapEntry{
		{Base: 16 * 1024 * 1024, Length: 64 * 1024 * 1024, Type: boot.RegionAvailable},
	}})
	require.NoError(t, err)

	mapper, err := paging.NewMapper(logr.Discard(), sim, fa, sim.Arena())
	require.NoError(t, err)

	k := proc.NewKernel(logr.Discard(), mapper, cap.NewLimiter())

	idle := &proc.TCB{Tid: k.Threads.AllocTid(), Pid: proc.NoPid, Name: "idle", Priority: -1, Affinity: 1, CurrentCPU: -1, Signals: &proc.ThreadSignalState{}, Done: make(chan struct{})}
	require.NoError(t, k.Threads.Register(idle))
	scheduler := sched.NewScheduler(logr.Discard(), sim, k.Processes, k.Threads, []*proc.TCB{idle})

	sig := signal.New(k.Processes, k.Threads)
	router := intr.New(logr.Discard(), k, scheduler, sig)

	p, err := k.ProcessCreate("faulter", proc.Credentials{Uid: 1000, Euid: 1000}, 0)
	require.NoError(t, err)
	thread, err := k.ThreadCreate(p, 0, 0, "faulter-main", 0, 0)
	require.NoError(t, err)
	require.NoError(t, scheduler.AddThread(thread))
	thread.CurrentCPU = 0

	return &testEnv{router: router, k: k, p: p, thread: thread, frames: fa}
}

func TestPageFault_WriteToCOWPageCopiesAndResumes(t *testing.T) {
	env := newTestEnv(t)
	const virt = 0x40_0000

	f, err := env.frames.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, env.p.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true}))

	child, err := env.k.Mapper.NewAddressSpace()
	require.NoError(t, err)
	require.NoError(t, env.k.Mapper.ForkCOW(env.p.AddressSpace, child, env.p.COW))
	require.Equal(t, 2, env.p.COW.Count(f.Addr()))

	before, err := env.p.AddressSpace.Translate(virt)
	require.NoError(t, err)

	env.router.Dispatch(env.thread, intr.Frame{Vector: intr.VectorPageFault, ErrorCode: 0b011, FaultAddr: virt})

	after, err := env.p.AddressSpace.Translate(virt)
	require.NoError(t, err)
	require.NotEqual(t, before, after, "write-to-COW fault should have copied the frame")

	pending, _ := env.thread.Signals.Snapshot()
	require.Zero(t, pending, "a resolved COW fault must not raise a signal")
}

func TestPageFault_NotPresentInsideGrowableStackDemandMaps(t *testing.T) {
	env := newTestEnv(t)
	const stackTop = 0x7000_0000
	require.NoError(t, env.p.VMAs.Insert(vma.VMA{
		Start: stackTop - 4096,
		End:   stackTop,
		Flags: vma.Flags{Read: true, Write: true, User: true, Stack: true, Growable: true},
	}))

	faultAddr := uint64(stackTop - 4096 - 100)
	env.router.Dispatch(env.thread, intr.Frame{Vector: intr.VectorPageFault, ErrorCode: 0b100, FaultAddr: faultAddr})

	_, err := env.p.AddressSpace.Translate(faultAddr)
	require.NoError(t, err, "demand fault should have grown the stack VMA and mapped a frame")

	pending, _ := env.thread.Signals.Snapshot()
	require.Zero(t, pending)
}

func TestPageFault_UnmappedUserAccessRaisesSIGSEGV(t *testing.T) {
	env := newTestEnv(t)
	env.router.Dispatch(env.thread, intr.Frame{Vector: intr.VectorPageFault, ErrorCode: 0b100, FaultAddr: 0x1234_0000})

	pending, _ := env.thread.Signals.Snapshot()
	require.NotZero(t, pending&(1<<uint(signal.SIGSEGV)))
}

func TestTimerTick_DecrementsTimeSlice(t *testing.T) {
	env := newTestEnv(t)
	env.router.Scheduler.Schedule(env.router.Scheduler.CPUs()[0])
	before := env.thread.TimeSlice
	env.router.Dispatch(env.thread, intr.Frame{Vector: intr.VectorTimer})
	require.Equal(t, before-1, env.thread.TimeSlice)
}

func TestUnregisteredVector_RaisesMatchingFatalSignal(t *testing.T) {
	env := newTestEnv(t)
	env.router.Dispatch(env.thread, intr.Frame{Vector: intr.VectorInvalidOp})

	pending, _ := env.thread.Signals.Snapshot()
	require.NotZero(t, pending&(1<<uint(signal.SIGILL)))
}
