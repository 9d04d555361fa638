// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package paging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
)

func TestMapTranslateUnmap_RoundTrip(t *testing.T) {
	m, fa, _ := newTestMapper(t)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)

	phys, err := fa.AllocFrame()
	require.NoError(t, err)

	virt := uint64(0x0000_0000_0040_0000)
	require.NoError(t, as.Map(virt, phys.Addr(), paging.MapFlags{Writable: true, User: true}))

	got, err := as.Translate(virt + 0x10)
	require.NoError(t, err)
	assert.Equal(t, phys.Addr()+0x10, got)

	require.NoError(t, as.Unmap(virt))
	_, err = as.Translate(virt)
	assert.Error(t, err)
}

func TestMap_RejectsNonCanonical(t *testing.T) {
	m, _, _ := newTestMapper(t)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	err = as.Map(0x0001_0000_0000_0000, 0x1000, paging.MapFlags{})
	assert.Error(t, err)
}

func TestMap_RejectsDoubleMap(t *testing.T) {
	m, fa, _ := newTestMapper(t)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)
	f1, err := fa.AllocFrame()
	require.NoError(t, err)
	f2, err := fa.AllocFrame()
	require.NoError(t, err)

	virt := uint64(0x2000)
	require.NoError(t, as.Map(virt, f1.Addr(), paging.MapFlags{Writable: true}))
	assert.Error(t, as.Map(virt, f2.Addr(), paging.MapFlags{Writable: true}))
}

func TestMapRange_MapsEveryPage(t *testing.T) {
	m, fa, _ := newTestMapper(t)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)

	frames, err := fa.AllocContig(4, 1<<48)
	require.NoError(t, err)

	virt := uint64(0x10_0000)
	require.NoError(t, as.MapRange(virt, frames[0].Addr(), 4*frame.PageSize, paging.MapFlags{Writable: true}))

	for i := uint64(0); i < 4; i++ {
		got, err := as.Translate(virt + i*frame.PageSize)
		require.NoError(t, err)
		assert.Equal(t, frames[i].Addr(), got)
	}
}

func TestMapHuge2MiB_Translates(t *testing.T) {
	m, fa, _ := newTestMapper(t)
	as, err := m.NewAddressSpace()
	require.NoError(t, err)

	frames, err := fa.AllocContig(1, 1<<48)
	require.NoError(t, err)

	virt := uint64(0x0000_0000_0020_0000) // 2 MiB aligned
	require.NoError(t, as.MapHuge(virt, frames[0].Addr(), paging.Size2MiB, paging.MapFlags{Writable: true}))

	got, err := as.Translate(virt + 0x1234)
	require.NoError(t, err)
	assert.Equal(t, frames[0].Addr()+0x1234, got)
}

func TestNewAddressSpace_SharesKernelHalfByReference(t *testing.T) {
	m, fa, _ := newTestMapper(t)
	kernel := m.KernelTemplate()

	f, err := fa.AllocFrame()
	require.NoError(t, err)
	kvirt := uint64(0xFFFF_8000_0010_0000)
	require.NoError(t, kernel.Map(kvirt, f.Addr(), paging.MapFlags{Writable: true, Global: true}))

	as, err := m.NewAddressSpace()
	require.NoError(t, err)

	got, err := as.Translate(kvirt)
	require.NoError(t, err)
	assert.Equal(t, f.Addr(), got)
}
