// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package sched_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
)

const testArenaBytes = 128 * 1024 * 1024

func newTestKernel(t *testing.T) (*proc.Kernel, hal.HAL) {
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

	return proc.NewKernel(logr.Discard(), mapper, nil), sim
}

// newTestThread registers a bare TCB with the given priority and affinity,
// bypassing ThreadCreate's process/kernel-stack plumbing for tests that
// only exercise scheduling order.
func newTestThread(t *testing.T, k *proc.Kernel, pid proc.Pid, name string, priority int, affinity uint64) *proc.TCB {
	t.Helper()
	tcb := &proc.TCB{
		Tid:          k.Threads.AllocTid(),
		Pid:          pid,
		Name:         name,
		State:        proc.ThreadCreated,
		Priority:     priority,
		OrigPriority: priority,
		Affinity:     affinity,
		CurrentCPU:   -1,
		Signals:      &proc.ThreadSignalState{},
		Done:         make(chan struct{}),
	}
	require.NoError(t, k.Threads.Register(tcb))
	return tcb
}

func newIdleThreads(t *testing.T, k *proc.Kernel, n int) []*proc.TCB {
	t.Helper()
	idles := make([]*proc.TCB, n)
	for i := range idles {
		idles[i] = newTestThread(t, k, proc.NoPid, "idle", -1, ^uint64(0))
	}
	return idles
}

func newScheduler(t *testing.T, k *proc.Kernel, h hal.HAL, numCPUs int) *sched.Scheduler {
	t.Helper()
	idles := newIdleThreads(t, k, numCPUs)
	return sched.NewScheduler(logr.Discard(), h, k.Processes, k.Threads, idles)
}
