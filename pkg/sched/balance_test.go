// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/proc"
)

func TestBalance_MigratesFromOverloadedCPU(t *testing.T) {
	k, h := newTestKernel(t)
	s := newScheduler(t, k, h, 2)

	// Pin 4 threads to CPU 0 only, so they all land there; then widen their
	// affinity (as if an affinity change happened after enqueue) so Balance
	// has somewhere eligible to move one of them.
	threads := make([]*proc.TCB, 4)
	for i := range threads {
		threads[i] = newTestThread(t, k, proc.NoPid, "t", 100, 1<<0)
		require.NoError(t, s.AddThread(threads[i]))
	}
	require.Equal(t, 4, s.CPUs()[0].CountRunnable())
	require.Equal(t, 0, s.CPUs()[1].CountRunnable())

	for _, th := range threads {
		th.Affinity = ^uint64(0)
	}

	s.Balance() // avg=2, CPU 0's count (4) exceeds avg+1 (3): one migrates

	require.Equal(t, 3, s.CPUs()[0].CountRunnable())
	require.Equal(t, 1, s.CPUs()[1].CountRunnable())
}

func TestBalance_NoopBelowThreshold(t *testing.T) {
	k, h := newTestKernel(t)
	s := newScheduler(t, k, h, 2)

	a := newTestThread(t, k, proc.NoPid, "a", 100, ^uint64(0))
	require.NoError(t, s.AddThread(a))

	before0, before1 := s.CPUs()[0].CountRunnable(), s.CPUs()[1].CountRunnable()
	s.Balance()
	require.Equal(t, before0, s.CPUs()[0].CountRunnable())
	require.Equal(t, before1, s.CPUs()[1].CountRunnable())
}
