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

	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// recordingSender captures every SIGCHLD delivery Exit requests, instead of
// wiring pkg/signal (which would pull in the scheduler just to observe
// Exit's notification step).
type recordingSender struct {
	delivered []proc.Pid
}

func (s *recordingSender) SendSIGCHLD(target, from proc.Pid) {
	s.delivered = append(s.delivered, target)
}

func TestExit_ReparentsChildrenToInit(t *testing.T) {
	tk := newTestKernel(t)
	init, _ := tk.newProcess(t, "init") // pid 1, the AllocPid sequence's first id
	require.Equal(t, proc.InitPid, init.Pid)

	parent, parentThread := tk.newProcess(t, "parent")
	child, _, err := tk.kernel.Fork(parent, parentThread, proc.CloneFlags{})
	require.NoError(t, err)
	require.Equal(t, parent.Pid, child.PPid)

	tk.kernel.Exit(parent, 0, &recordingSender{})

	require.Equal(t, proc.InitPid, child.PPid)
	require.Contains(t, init.ChildrenSnapshot(), child.Pid)
	require.Empty(t, parent.ChildrenSnapshot())
}

func TestExit_MarksZombieAndNotifiesParent(t *testing.T) {
	tk := newTestKernel(t)
	parent, parentThread := tk.newProcess(t, "parent")
	child, _, err := tk.kernel.Fork(parent, parentThread, proc.CloneFlags{})
	require.NoError(t, err)

	sender := &recordingSender{}
	tk.kernel.Exit(child, 7, sender)

	require.Equal(t, proc.ProcZombie, child.State)
	require.Equal(t, 7, child.ExitCode)
	require.Equal(t, []proc.Pid{parent.Pid}, sender.delivered)
}

func TestExit_KillsEveryThread(t *testing.T) {
	tk := newTestKernel(t)
	process, main := tk.newProcess(t, "proc")
	other, err := tk.kernel.ThreadCreate(process, 0, 0, "proc-other", 0, 0)
	require.NoError(t, err)

	tk.kernel.Exit(process, 0, &recordingSender{})

	_, ok := tk.kernel.Threads.Get(main.Tid)
	require.False(t, ok, "exit removes every thread from the thread table")
	_, ok = tk.kernel.Threads.Get(other.Tid)
	require.False(t, ok)
}

func TestExit_ReleasesAddressSpaceFrames(t *testing.T) {
	tk := newTestKernel(t)
	process, _ := tk.newProcess(t, "proc")

	const virt = 0x60_0000
	f, err := tk.frames.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, process.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true}))

	before := tk.freeFrames(t)
	tk.kernel.Exit(process, 0, &recordingSender{})
	after := tk.freeFrames(t)

	require.Greater(t, after, before, "exit must return the address space's frames to the allocator")
}

func TestExit_ReleasesFDTableOnlyOnceForCloneFilesSiblings(t *testing.T) {
	tk := newTestKernel(t)
	parent, parentThread := tk.newProcess(t, "parent")
	_, err := parent.FDs.Install(proc.NewOpenFile("shared"), false)
	require.NoError(t, err)

	child, _, err := tk.kernel.Fork(parent, parentThread, proc.CloneFlags{CloneFiles: true})
	require.NoError(t, err)
	require.Same(t, parent.FDs, child.FDs)

	tk.kernel.Exit(child, 0, &recordingSender{})

	_, getErr := parent.FDs.Get(0)
	require.NoError(t, getErr, "a clone_files sibling exiting must not close fds still held by the parent")

	tk.kernel.Exit(parent, 0, &recordingSender{})
	_, getErr = parent.FDs.Get(0)
	require.Error(t, getErr, "the last clone_files sharer exiting does release the table")
}
