// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package paging_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
)

const testArenaBytes = 128 * 1024 * 1024

func newTestMapper(t *testing.T) (*paging.Mapper, *frame.Allocator, hal.HAL) {
	t.Helper()
	sim, err := hal.NewSimulated(testArenaBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	fa, err := frame.New(logr.Discard(), boot.Info{MemoryMap: []boot.MemoryMapEntry{
		{Base: 32 * 1024 * 1024, Length: 64 * 1024 * 1024, Type: boot.RegionAvailable},
	}})
	require.NoError(t, err)

	m, err := paging.NewMapper(logr.Discard(), sim, fa, sim.Arena())
	require.NoError(t, err)
	return m, fa, sim
}
