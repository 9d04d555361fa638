// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package frame_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
)

func testInfo() boot.Info {
	return boot.Info{
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0, Length: 1 * 1024 * 1024, Type: boot.RegionAvailable},                    // below 16 MiB: excluded
			{Base: 16 * 1024 * 1024, Length: 1 * 1024 * 1024, Type: boot.RegionAvailable},      // smaller than 64 MiB: excluded
			{Base: 64 * 1024 * 1024, Length: 128 * 1024 * 1024, Type: boot.RegionAvailable},    // eligible
			{Base: 1 * 1024 * 1024 * 1024, Length: 64 * 1024 * 1024, Type: boot.RegionReserved}, // wrong type: excluded
		},
	}
}

func TestNew_AppliesRegionEligibilityRules(t *testing.T) {
	a, err := frame.New(logr.Discard(), testInfo())
	require.NoError(t, err)
	assert.Equal(t, 128*1024*1024/frame.PageSize, a.FreeFrames())
}

func TestNew_NoEligibleRegions(t *testing.T) {
	_, err := frame.New(logr.Discard(), boot.Info{})
	assert.Error(t, err)
}

func TestAllocFree_RoundTrip(t *testing.T) {
	a, err := frame.New(logr.Discard(), testInfo())
	require.NoError(t, err)

	before := a.FreeFrames()
	f, err := a.AllocFrame()
	require.NoError(t, err)
	assert.Equal(t, before-1, a.FreeFrames())

	require.NoError(t, a.FreeFrame(f))
	assert.Equal(t, before, a.FreeFrames())
}

func TestAllocFrame_Exhaustion(t *testing.T) {
	a, err := frame.New(logr.Discard(), boot.Info{MemoryMap: []boot.MemoryMapEntry{
		{Base: 64 * 1024 * 1024, Length: 64 * 1024 * 1024, Type: boot.RegionAvailable},
	}})
	require.NoError(t, err)

	total := a.FreeFrames()
	for i := 0; i < total; i++ {
		_, err := a.AllocFrame()
		require.NoError(t, err)
	}
	_, err = a.AllocFrame()
	assert.Error(t, err)
}

func TestFreeFrame_DoubleFreeRejected(t *testing.T) {
	a, err := frame.New(logr.Discard(), testInfo())
	require.NoError(t, err)

	f, err := a.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, a.FreeFrame(f))
	assert.Error(t, a.FreeFrame(f))
}

func TestAllocContig_RespectsMaxAddr(t *testing.T) {
	a, err := frame.New(logr.Discard(), testInfo())
	require.NoError(t, err)

	// maxAddr below the eligible region's base: must fail.
	_, err = a.AllocContig(4, 1024)
	assert.Error(t, err)

	frames, err := a.AllocContig(4, 1<<40)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	for i := 1; i < len(frames); i++ {
		assert.Equal(t, frames[i-1].Addr()+frame.PageSize, frames[i].Addr())
	}
}
