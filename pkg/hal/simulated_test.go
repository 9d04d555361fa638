// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package hal_test

import (
	"testing"

	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimulated(t *testing.T) *hal.Simulated {
	t.Helper()
	s, err := hal.NewSimulated(64 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSimulated_PortIO(t *testing.T) {
	s := newSimulated(t)
	s.Out32(0x3F8, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), s.In32(0x3F8))
	assert.Equal(t, uint8(0xEF), s.In8(0x3F8))
}

func TestSimulated_CR3WriteFlushesTLB(t *testing.T) {
	s := newSimulated(t)
	s.WriteCR(3, 0x1000)
	assert.Equal(t, uint64(0x1000), s.ReadCR(3))
	s.InvalidatePage(0x2000) // no-op, nothing cached yet, must not panic
	s.WriteCR(3, 0x2000)
	assert.Equal(t, uint64(0x2000), s.ReadCR(3))
}

func TestSimulated_CPUID_Leaf15TSC(t *testing.T) {
	s := newSimulated(t)
	eax, ebx, ecx, _ := s.CPUID(0x15, 0)
	require.NotZero(t, eax)
	require.NotZero(t, ebx)
	require.NotZero(t, ecx)
}

func TestSimulated_WithoutInvariantTSC(t *testing.T) {
	s := newSimulated(t)
	s.WithoutInvariantTSC()
	eax, ebx, ecx, edx := s.CPUID(0x15, 0)
	assert.Zero(t, eax)
	assert.Zero(t, ebx)
	assert.Zero(t, ecx)
	assert.Zero(t, edx)
}

func TestSimulated_SaveRestoreFlags(t *testing.T) {
	s := newSimulated(t)
	saved := s.SaveFlags()
	assert.True(t, hal.InterruptsEnabled(saved), "interrupts should be enabled at boot")
	s.RestoreFlags(saved)
}

func TestSimulated_AtomicPrimitives(t *testing.T) {
	s := newSimulated(t)
	var word uint64 = 5
	assert.True(t, s.CAS64(&word, 5, 6))
	assert.False(t, s.CAS64(&word, 5, 7))
	assert.Equal(t, uint64(6), word)

	prev := s.Xadd64(&word, 4)
	assert.Equal(t, uint64(6), prev)
	assert.Equal(t, uint64(10), word)

	old := s.Xchg64(&word, 100)
	assert.Equal(t, uint64(10), old)
	assert.Equal(t, uint64(100), word)
}

func TestNullHAL_Panics(t *testing.T) {
	n := hal.Null{}
	assert.Panics(t, func() { n.In8(0) })
	assert.Panics(t, func() { n.RDTSC() })
}
