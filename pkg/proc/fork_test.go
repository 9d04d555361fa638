// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package proc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/cap"
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

func TestFork_CloneVMSharesFrameUntilWrite(t *testing.T) {
	tk := newTestKernel(t)
	parent, thread := tk.newProcess(t, "parent")

	const virt = 0x40_0000
	f, err := tk.frames.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, parent.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true}))

	child, _, err := tk.kernel.Fork(parent, thread, proc.CloneFlags{CloneVM: true})
	require.NoError(t, err)

	pAddr, err := parent.AddressSpace.Translate(virt)
	require.NoError(t, err)
	cAddr, err := child.AddressSpace.Translate(virt)
	require.NoError(t, err)
	require.Equal(t, pAddr, cAddr, "clone_vm fork should share the frame until a write fault")
	require.Same(t, parent.COW, child.COW, "clone_vm siblings share one COW table")
}

func TestFork_WithoutCloneVMDeepCopiesPages(t *testing.T) {
	tk := newTestKernel(t)
	parent, thread := tk.newProcess(t, "parent")

	const virt = 0x40_0000
	f, err := tk.frames.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, parent.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true}))
	require.NoError(t, parent.VMAs.Insert(vma.VMA{Start: virt, End: virt + 0x1000, Flags: vma.Flags{Read: true, Write: true, User: true}}))
	arena := tk.kernel.Mapper.Arena()
	arena[f.Addr()] = 0x7A

	child, _, err := tk.kernel.Fork(parent, thread, proc.CloneFlags{})
	require.NoError(t, err)

	pAddr, err := parent.AddressSpace.Translate(virt)
	require.NoError(t, err)
	cAddr, err := child.AddressSpace.Translate(virt)
	require.NoError(t, err)
	require.NotEqual(t, pAddr, cAddr, "non-clone_vm fork must not share frames")
	require.Equal(t, arena[pAddr], arena[cAddr], "deep copy preserves contents")

	arena[cAddr] = 0x11
	require.NotEqual(t, arena[pAddr], arena[cAddr], "writes to the child copy must not leak back to the parent")
}

func TestFork_CloneFilesSharesTable(t *testing.T) {
	tk := newTestKernel(t)
	parent, thread := tk.newProcess(t, "parent")

	child, _, err := tk.kernel.Fork(parent, thread, proc.CloneFlags{CloneFiles: true})
	require.NoError(t, err)
	require.Same(t, parent.FDs, child.FDs)
}

func TestFork_WithoutCloneFilesDeepCopiesTable(t *testing.T) {
	tk := newTestKernel(t)
	parent, thread := tk.newProcess(t, "parent")

	fd, err := parent.FDs.Install(proc.NewOpenFile("backing"), false)
	require.NoError(t, err)

	child, _, err := tk.kernel.Fork(parent, thread, proc.CloneFlags{})
	require.NoError(t, err)
	require.NotSame(t, parent.FDs, child.FDs)

	entry, err := child.FDs.Get(fd)
	require.NoError(t, err)
	require.Equal(t, "backing", entry.File.Backing)
	require.Equal(t, 2, entry.File.RefCount(), "deep-copied fork refs the shared open-file once more")
}

func TestFork_RegistersChildProcessAndThread(t *testing.T) {
	tk := newTestKernel(t)
	parent, thread := tk.newProcess(t, "parent")

	child, childThread, err := tk.kernel.Fork(parent, thread, proc.CloneFlags{})
	require.NoError(t, err)

	got, ok := tk.kernel.Processes.Get(child.Pid)
	require.True(t, ok)
	require.Same(t, child, got)

	gotThread, ok := tk.kernel.Threads.Get(childThread.Tid)
	require.True(t, ok)
	require.Same(t, childThread, gotThread)

	require.Equal(t, parent.Pid, child.PPid)
	require.Contains(t, parent.ChildrenSnapshot(), child.Pid)
	require.Equal(t, uint64(0), childThread.Context.RAX, "child's return value is zeroed")
}

// A fork past a uid's process cap fails with would-block (errno EAGAIN,
// not the resource-exhaustion ENOMEM an unrelated out-of-memory condition
// would report).
func TestFork_DeniedAtProcessCapReturnsWouldBlock(t *testing.T) {
	tk := newTestKernel(t)
	parent, thread := tk.newProcess(t, "parent")
	tk.kernel.Limits.SetLimits(parent.Creds.Uid, cap.Limits{MaxProcesses: 1, ForkRate: 1000, ForkBurst: 1000})

	_, _, err := tk.kernel.Fork(parent, thread, proc.CloneFlags{})
	require.NoError(t, err)

	_, _, err = tk.kernel.Fork(parent, thread, proc.CloneFlags{})
	require.Error(t, err)
	require.Equal(t, kernelerrors.KindWouldBlock, kernelerrors.KindOf(err))
}
