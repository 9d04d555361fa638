// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vma_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/mm/vma"
)

func TestInsert_RejectsWriteAndExecute(t *testing.T) {
	l := &vma.List{}
	err := l.Insert(vma.VMA{Start: 0x1000, End: 0x2000, Flags: vma.Flags{Write: true, Execute: true}})
	assert.Error(t, err)
}

func TestInsert_RejectsOverlap(t *testing.T) {
	l := &vma.List{}
	require.NoError(t, l.Insert(vma.VMA{Start: 0x1000, End: 0x3000}))
	err := l.Insert(vma.VMA{Start: 0x2000, End: 0x4000})
	assert.Error(t, err)
}

func TestInsert_MaintainsAscendingOrder(t *testing.T) {
	l := &vma.List{}
	require.NoError(t, l.Insert(vma.VMA{Start: 0x3000, End: 0x4000}))
	require.NoError(t, l.Insert(vma.VMA{Start: 0x1000, End: 0x2000}))
	require.NoError(t, l.Insert(vma.VMA{Start: 0x5000, End: 0x6000}))

	areas := l.All()
	require.Len(t, areas, 3)
	assert.Equal(t, uint64(0x1000), areas[0].Start)
	assert.Equal(t, uint64(0x3000), areas[1].Start)
	assert.Equal(t, uint64(0x5000), areas[2].Start)
}

func TestFind(t *testing.T) {
	l := &vma.List{}
	require.NoError(t, l.Insert(vma.VMA{Start: 0x1000, End: 0x2000}))
	v, ok := l.Find(0x1500)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1000), v.Start)

	_, ok = l.Find(0x9000)
	assert.False(t, ok)
}

func TestGrow_StackGrowsDownward(t *testing.T) {
	l := &vma.List{}
	require.NoError(t, l.Insert(vma.VMA{Start: 0x7000, End: 0x8000, Flags: vma.Flags{Stack: true, Growable: true}}))
	require.NoError(t, l.Grow(0x7000, 0x1000))

	v, ok := l.Find(0x6500)
	require.True(t, ok)
	assert.Equal(t, uint64(0x6000), v.Start)
}

func TestGrow_HeapGrowsUpward(t *testing.T) {
	l := &vma.List{}
	require.NoError(t, l.Insert(vma.VMA{Start: 0x1000, End: 0x2000, Flags: vma.Flags{Growable: true}}))
	require.NoError(t, l.Grow(0x1000, 0x1000))

	v, ok := l.Find(0x2500)
	require.True(t, ok)
	assert.Equal(t, uint64(0x3000), v.End)
}

func TestGrow_RejectsOverlapWithNeighbor(t *testing.T) {
	l := &vma.List{}
	require.NoError(t, l.Insert(vma.VMA{Start: 0x1000, End: 0x2000, Flags: vma.Flags{Growable: true}}))
	require.NoError(t, l.Insert(vma.VMA{Start: 0x2000, End: 0x3000}))
	assert.Error(t, l.Grow(0x1000, 0x1000))
}
