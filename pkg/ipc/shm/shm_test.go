// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package shm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/ipc/shm"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

func newTestRegistry(t *testing.T) (*shm.Registry, *paging.Mapper) {
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

	return shm.NewRegistry(fa), mapper
}

func newTestProcess(t *testing.T, mapper *paging.Mapper) *proc.PCB {
	t.Helper()
	as, err := mapper.NewAddressSpace()
	require.NoError(t, err)
	return &proc.PCB{AddressSpace: as, VMAs: &vma.List{}}
}

func TestGet_CreatesOnFirstCallAndReusesAfter(t *testing.T) {
	r, _ := newTestRegistry(t)

	seg1, err := r.Get(42, 8192, shm.IPCCreat)
	require.NoError(t, err)
	require.Len(t, seg1.Frames, 2)

	seg2, err := r.Get(42, 8192, shm.IPCCreat)
	require.NoError(t, err)
	require.Same(t, seg1, seg2)
}

func TestGet_FailsWithoutCreatForMissingKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get(99, 4096, 0)
	require.Error(t, err)
}

func TestAttachDetach_RoundTrip(t *testing.T) {
	r, mapper := newTestRegistry(t)
	seg, err := r.Get(1, 4096, shm.IPCCreat)
	require.NoError(t, err)

	p := newTestProcess(t, mapper)
	const virt = 0x0000_4000_0000_0000
	require.NoError(t, shm.Attach(mapper, p, seg, virt, true))

	phys, err := p.AddressSpace.Translate(virt)
	require.NoError(t, err)
	require.Equal(t, seg.Frames[0].Addr(), phys)

	require.NoError(t, shm.Detach(r, p, seg, virt))
	_, err = p.AddressSpace.Translate(virt)
	require.Error(t, err)
}

func TestIPCRmid_FreesOnlyAfterLastDetach(t *testing.T) {
	r, mapper := newTestRegistry(t)
	seg, err := r.Get(7, 4096, shm.IPCCreat)
	require.NoError(t, err)

	p1 := newTestProcess(t, mapper)
	p2 := newTestProcess(t, mapper)
	require.NoError(t, shm.Attach(mapper, p1, seg, 0x0000_4000_0000_0000, true))
	require.NoError(t, shm.Attach(mapper, p2, seg, 0x0000_4000_0000_0000, true))

	require.NoError(t, r.IPCRmid(seg))
	_, err = r.Get(7, 4096, 0)
	require.NoError(t, err) // still reachable: attach count not yet zero

	require.NoError(t, shm.Detach(r, p1, seg, 0x0000_4000_0000_0000))
	_, err = r.Get(7, 4096, 0)
	require.NoError(t, err)

	require.NoError(t, shm.Detach(r, p2, seg, 0x0000_4000_0000_0000))
	_, err = r.Get(7, 4096, 0)
	require.Error(t, err) // freed after last detach
}
