// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build unix

package hal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// cpuidLeaf15TSC is the fabricated but internally-consistent response to
// CPUID leaf 0x15 (TSC/core-crystal-clock ratio): 160/2 (80:1) ratio, 25 MHz
// crystal, i.e. a 2.0 GHz TSC frequency, matching leaf 0x16's 2000 MHz base
// frequency.
const (
	cpuidLeaf15Denominator = 2
	cpuidLeaf15Numerator   = 160
	cpuidLeaf15CrystalHz   = 25_000_000
	cpuidLeaf16BaseMHz     = 2000
)

// Simulated is the software model of the hardware-abstraction interface.
// Physical memory is backed by a real anonymous mmap arena rather than a
// plain Go slice, so that frame addresses returned by mm/frame are real
// virtual addresses in this process's address space and can be read/written
// like any other memory without a translation shim.
type Simulated struct {
	mu        sync.Mutex
	arena     []byte
	ports     map[uint16]uint32
	msrs      map[uint32]uint64
	crs       [5]uint64
	flags     atomic.Uint64
	idtBase   uint64
	idtLimit  uint16
	gdtBase   uint64
	gdtLimit  uint16
	trSel     uint16
	tlb       map[uint64]struct{}
	bootTSC   uint64
	noLeaf15  bool // test hook: force the PIT channel-2 fallback path
}

// NewSimulated allocates a physical-memory arena of arenaBytes (rounded up
// to the host page size by mmap) and returns a ready HAL.
func NewSimulated(arenaBytes int) (*Simulated, error) {
	arena, err := unix.Mmap(-1, 0, arenaBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hal: mmap arena: %w", err)
	}
	s := &Simulated{
		arena: arena,
		ports: make(map[uint16]uint32),
		msrs:  make(map[uint32]uint64),
		tlb:   make(map[uint64]struct{}),
	}
	s.flags.Store(1 << 9) // IF=1 at boot
	s.bootTSC = uint64(time.Now().UnixNano())
	return s, nil
}

// WithoutInvariantTSC disables the CPUID leaf 0x15/0x16 response, forcing
// callers of timer calibration onto the PIT channel-2 fallback path.
func (s *Simulated) WithoutInvariantTSC() { s.noLeaf15 = true }

// Arena exposes the backing byte slice so mm/frame can translate a frame
// base address into a read/write-able Go slice.
func (s *Simulated) Arena() []byte { return s.arena }

// Close releases the mmap arena.
func (s *Simulated) Close() error {
	if s.arena == nil {
		return nil
	}
	err := unix.Munmap(s.arena)
	s.arena = nil
	return err
}

func (s *Simulated) In8(port uint16) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint8(s.ports[port])
}

func (s *Simulated) In16(port uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.ports[port])
}

func (s *Simulated) In32(port uint16) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port]
}

func (s *Simulated) Out8(port uint16, v uint8)   { s.setPort(port, uint32(v)) }
func (s *Simulated) Out16(port uint16, v uint16) { s.setPort(port, uint32(v)) }
func (s *Simulated) Out32(port uint16, v uint32) { s.setPort(port, v) }

func (s *Simulated) setPort(port uint16, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = v
}

func (s *Simulated) ReadMSR(index uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msrs[index]
}

func (s *Simulated) WriteMSR(index uint32, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msrs[index] = v
}

func (s *Simulated) ReadCR(n int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crs[n]
}

func (s *Simulated) WriteCR(n int, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crs[n] = v
	if n == 3 {
		// CR3 write flushes all non-global TLB entries.
		s.tlb = make(map[uint64]struct{})
	}
}

// CPUID implements leaf 0 (max leaf + vendor), leaf 0x15 (TSC/crystal
// ratio), and leaf 0x16 (base/max/bus MHz). All other leaves return zero,
// which callers must treat as "unsupported".
func (s *Simulated) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	if s.noLeaf15 {
		return 0, 0, 0, 0
	}
	switch leaf {
	case 0:
		return 0x16, 0x756e6547, 0x6c65746e, 0x49656e69 // "GenuineIntel", max leaf 0x16
	case 0x15:
		return cpuidLeaf15Denominator, cpuidLeaf15Numerator, cpuidLeaf15CrystalHz, 0
	case 0x16:
		return cpuidLeaf16BaseMHz, cpuidLeaf16BaseMHz, 0, 0
	default:
		return 0, 0, 0, 0
	}
}

func (s *Simulated) InvalidatePage(virt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tlb, virt&^0xFFF)
}

func (s *Simulated) RDTSC() uint64 {
	return uint64(time.Now().UnixNano()) - s.bootTSC
}

func (s *Simulated) LoadIDT(base uint64, limit uint16) { s.idtBase, s.idtLimit = base, limit }
func (s *Simulated) LoadGDT(base uint64, limit uint16) { s.gdtBase, s.gdtLimit = base, limit }
func (s *Simulated) LoadTR(selector uint16)            { s.trSel = selector }

func (s *Simulated) SaveFlags() uint64 {
	old := s.flags.Load()
	s.flags.Store(old &^ (1 << 9))
	return old
}

func (s *Simulated) RestoreFlags(flags uint64) {
	s.flags.Store(flags)
}

func (s *Simulated) CAS64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

func (s *Simulated) Xadd64(addr *uint64, delta int64) uint64 {
	return atomic.AddUint64(addr, uint64(delta)) - uint64(delta)
}

func (s *Simulated) Xchg64(addr *uint64, new uint64) uint64 {
	return atomic.SwapUint64(addr, new)
}

var _ HAL = (*Simulated)(nil)
