// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package proc_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/cap"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

const testArenaBytes = 128 * 1024 * 1024

// testKernel is the minimum per-instance kernel a proc test needs: its own
// HAL arena, frame allocator, mapper, and an unlimited resource limiter.
type testKernel struct {
	sim    *hal.Simulated
	frames *frame.Allocator
	kernel *proc.Kernel
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	sim, err := hal.NewSimulated(testArenaBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	fa, err := frame.New(logr.Discard(), boot.Info{MemoryMap: []boot.MemoryMapEntry{
		{Base: 16 * 1024 * 1024, Length: 64 * 1024 * 1024, Type: boot.RegionAvailable},
	}})
	require.NoError(t, err)

	mapper, err := paging.NewMapper(logr.Discard(), sim, fa, sim.Arena())
	require.NoError(t, err)

	k := proc.NewKernel(logr.Discard(), mapper, cap.NewLimiter())
	return &testKernel{sim: sim, frames: fa, kernel: k}
}

// newProcess creates a registered process with one ready main thread,
// mirroring cmd/nucleus-harness's own scenario setup.
func (tk *testKernel) newProcess(t *testing.T, name string) (*proc.PCB, *proc.TCB) {
	t.Helper()
	p, err := tk.kernel.ProcessCreate(name, proc.Credentials{Uid: 1000, Euid: 1000}, 0)
	require.NoError(t, err)
	th, err := tk.kernel.ThreadCreate(p, 0, 0, name+"-main", 0, 0)
	require.NoError(t, err)
	return p, th
}

// freeFrames reports how many frames the allocator currently has free, for
// tests asserting a teardown path actually released memory.
func (tk *testKernel) freeFrames(t *testing.T) int {
	t.Helper()
	return tk.frames.FreeFrames()
}
