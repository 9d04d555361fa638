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

	"github.com/nucleuscore/nucleus/pkg/elf64"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// a single-segment image with no file-backed bytes at all: Exec zero-fills
// MemSize regardless, so an empty imageBytes slice combined with FileSize 0
// is enough to exercise the mapping path.
func onePageImage() (*elf64.Image, []byte) {
	return &elf64.Image{
		Entry: 0x40_0000,
		Segments: []elf64.Segment{
			{VirtAddr: 0x40_0000, FileOff: 0, FileSize: 0, MemSize: 0x1000, Perm: elf64.Perm{Read: true, Execute: true}},
		},
	}, nil
}

func TestExec_SwapsAddressSpaceAndEntersAtEntryPoint(t *testing.T) {
	tk := newTestKernel(t)
	process, thread := tk.newProcess(t, "execer")

	oldAS := process.AddressSpace
	image, imageBytes := onePageImage()

	require.NoError(t, tk.kernel.Exec(process, thread, image, imageBytes, []string{"prog"}, []string{"X=1"}))

	require.NotSame(t, oldAS, process.AddressSpace, "exec installs a fresh address space")
	require.Equal(t, image.Entry, thread.Context.RIP)
	require.NotZero(t, thread.Context.RSP)

	phys, err := process.AddressSpace.Translate(image.Entry)
	require.NoError(t, err)
	require.NotZero(t, phys)
}

func TestExec_ReleasesOutgoingAddressSpaceFrames(t *testing.T) {
	tk := newTestKernel(t)
	process, thread := tk.newProcess(t, "execer")

	const virt = 0x50_0000
	f, err := tk.frames.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, process.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true}))

	before := tk.freeFrames(t)
	image, imageBytes := onePageImage()
	require.NoError(t, tk.kernel.Exec(process, thread, image, imageBytes, nil, nil))
	after := tk.freeFrames(t)

	require.Greater(t, after, before, "the old address space's frames (root, tables, the mapped page) must be returned to the allocator")
}

func TestExec_ClosesCloseOnExecDescriptorsButKeepsOthers(t *testing.T) {
	tk := newTestKernel(t)
	process, thread := tk.newProcess(t, "execer")

	keepFd, err := process.FDs.Install(proc.NewOpenFile("keep"), false)
	require.NoError(t, err)
	closeFd, err := process.FDs.Install(proc.NewOpenFile("cloexec"), true)
	require.NoError(t, err)

	image, imageBytes := onePageImage()
	require.NoError(t, tk.kernel.Exec(process, thread, image, imageBytes, nil, nil))

	_, err = process.FDs.Get(keepFd)
	require.NoError(t, err, "fds persist across exec unless marked close-on-exec")
	_, err = process.FDs.Get(closeFd)
	require.Error(t, err, "close-on-exec fds must not survive exec")
}

func TestExec_TerminatesAllThreadsButTheCaller(t *testing.T) {
	tk := newTestKernel(t)
	process, caller := tk.newProcess(t, "execer")
	other, err := tk.kernel.ThreadCreate(process, 0, 0, "execer-other", 0, 0)
	require.NoError(t, err)

	image, imageBytes := onePageImage()
	require.NoError(t, tk.kernel.Exec(process, caller, image, imageBytes, nil, nil))

	_, ok := tk.kernel.Threads.Get(other.Tid)
	require.False(t, ok, "non-caller threads are removed from the thread table on exec")
	require.Equal(t, []proc.Tid{caller.Tid}, process.ThreadsSnapshot())
}
