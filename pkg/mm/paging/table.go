// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

import (
	"encoding/binary"
	"sync"

	"github.com/go-logr/logr"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
)

// Mapper owns the physical-memory arena and frame supply shared by every
// address space it creates. Page tables are ordinary frames: entries are
// read and written as raw bytes in the arena, the same way real hardware's
// page-table walker would dereference them.
type Mapper struct {
	logger logr.Logger
	hal    hal.HAL
	frames *frame.Allocator
	arena  []byte

	mu        sync.Mutex
	template  *AddressSpace // owns the canonical higher-half tables
}

// NewMapper builds a mapper over arena (the HAL's physical-memory-backed
// byte slice) and frames (the allocator drawing from the same arena's
// address range).
func NewMapper(logger logr.Logger, h hal.HAL, frames *frame.Allocator, arena []byte) (*Mapper, error) {
	m := &Mapper{logger: logger.WithName("paging"), hal: h, frames: frames, arena: arena}
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "paging.NewMapper", err)
	}
	m.zeroTable(root.Addr())
	m.template = &AddressSpace{mapper: m, root: root}
	return m, nil
}

// Arena exposes the mapper's backing physical-memory bytes, for callers
// (process fork's non-COW deep-copy path) that need to move page contents
// directly rather than through Map/Translate.
func (m *Mapper) Arena() []byte { return m.arena }

// Frames exposes the frame allocator backing this mapper, for callers that
// need to allocate a physical page outside of any Map call (e.g. a
// deep-copy fork allocating a private copy of each source page).
func (m *Mapper) Frames() *frame.Allocator { return m.frames }

// HAL exposes the hardware-abstraction instance backing this mapper.
func (m *Mapper) HAL() hal.HAL { return m.hal }

// KernelTemplate returns the address space whose higher half every other
// address space shares by reference. Map calls against it must only target
// kernel-half (canonical, L4 index >= KernelHalfL4) addresses.
func (m *Mapper) KernelTemplate() *AddressSpace { return m.template }

// NewAddressSpace allocates a fresh L4 table, copies the current kernel-half
// entries from the template by reference (same sub-table frames, not a deep
// copy), and returns an address space ready for user-half mappings.
func (m *Mapper) NewAddressSpace() (*AddressSpace, error) {
	root, err := m.frames.AllocFrame()
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "paging.NewAddressSpace", err)
	}
	m.zeroTable(root.Addr())

	m.mu.Lock()
	for idx := KernelHalfL4; idx < entriesPerTable; idx++ {
		e := m.readPTE(m.template.root.Addr(), idx)
		if e.Present() {
			m.writePTE(root.Addr(), idx, e)
		}
	}
	m.mu.Unlock()

	return &AddressSpace{mapper: m, root: root}, nil
}

func (m *Mapper) readPTE(tableAddr uint64, idx int) PTE {
	off := tableAddr + uint64(idx)*8
	return PTE(binary.LittleEndian.Uint64(m.arena[off : off+8]))
}

func (m *Mapper) writePTE(tableAddr uint64, idx int, v PTE) {
	off := tableAddr + uint64(idx)*8
	binary.LittleEndian.PutUint64(m.arena[off:off+8], uint64(v))
}

func (m *Mapper) zeroTable(tableAddr uint64) {
	for i := 0; i < entriesPerTable*8; i++ {
		m.arena[tableAddr+uint64(i)] = 0
	}
}

// AddressSpace is one process's page-table tree: a user half that is
// private to it and a kernel half shared by reference with every other
// address space rooted from the same Mapper.
type AddressSpace struct {
	mapper *Mapper
	root   frame.Frame
}

// Root returns the physical address of the L4 table, the value CR3 would be
// loaded with on a context switch to this address space.
func (as *AddressSpace) Root() uint64 { return as.root.Addr() }

// walkLevel descends from a table entry to the next level, allocating the
// child table if it is absent and alloc is true. userHalf controls whether
// newly-created intermediate tables are marked user-accessible.
func (m *Mapper) walkLevel(tableAddr uint64, idx int, alloc, userHalf bool) (uint64, error) {
	e := m.readPTE(tableAddr, idx)
	if e.Present() {
		if e.Huge() {
			return 0, kernelerrors.Newf(kernelerrors.KindStateConflict, "paging.walk", "index %d is a huge leaf, not an intermediate table", idx)
		}
		return e.Addr(), nil
	}
	if !alloc {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.walk", kernelerrors.ErrNotMapped)
	}
	child, err := m.frames.AllocFrame()
	if err != nil {
		return 0, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "paging.walk", err)
	}
	m.zeroTable(child.Addr())
	ne := PTE(0).WithPresent(true).WithWritable(true).WithUser(userHalf).WithAddr(child.Addr())
	m.writePTE(tableAddr, idx, ne)
	return child.Addr(), nil
}

// walkToL1 descends L4->L3->L2->L1, returning the L1 table's address. A
// huge leaf met along the way makes it stop and return an error.
func (m *Mapper) walkToL1(root uint64, ind Indices, alloc, userHalf bool) (l1Table uint64, err error) {
	l3, err := m.walkLevel(root, ind.L4, alloc, userHalf)
	if err != nil {
		return 0, err
	}
	l2, err := m.walkLevel(l3, ind.L3, alloc, userHalf)
	if err != nil {
		return 0, err
	}
	l1, err := m.walkLevel(l2, ind.L2, alloc, userHalf)
	if err != nil {
		return 0, err
	}
	return l1, nil
}

func userHalfOf(virt uint64) bool { return Decompose(virt).L4 < KernelHalfL4 }

// Map installs a single 4 KiB mapping. virt must be canonical.
func (as *AddressSpace) Map(virt, phys uint64, flags MapFlags) error {
	if !IsCanonical(virt) {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "paging.Map", kernelerrors.ErrNonCanonicalAddress)
	}
	ind := Decompose(virt)
	user := userHalfOf(virt)
	l1, err := as.mapper.walkToL1(as.root.Addr(), ind, true, user)
	if err != nil {
		return err
	}
	if as.mapper.readPTE(l1, ind.L1).Present() {
		return kernelerrors.Newf(kernelerrors.KindStateConflict, "paging.Map", "virtual address %#x is already mapped", virt)
	}
	as.mapper.writePTE(l1, ind.L1, newLeafPTE(phys, flags))
	return nil
}

// MapRange maps length bytes (rounded up to a 4 KiB multiple) starting at
// virt to the identically-sized run starting at phys.
func (as *AddressSpace) MapRange(virt, phys, length uint64, flags MapFlags) error {
	pages := (length + frame.PageSize - 1) / frame.PageSize
	for i := uint64(0); i < pages; i++ {
		if err := as.Map(virt+i*frame.PageSize, phys+i*frame.PageSize, flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes a single 4 KiB mapping and shoots down the local TLB entry.
// It does not free the underlying physical frame — callers that own the
// frame (mm/frame, COW bookkeeping) are responsible for that.
func (as *AddressSpace) Unmap(virt uint64) error {
	if !IsCanonical(virt) {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "paging.Unmap", kernelerrors.ErrNonCanonicalAddress)
	}
	ind := Decompose(virt)
	l1, err := as.mapper.walkToL1(as.root.Addr(), ind, false, userHalfOf(virt))
	if err != nil {
		return err
	}
	if !as.mapper.readPTE(l1, ind.L1).Present() {
		return kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.Unmap", kernelerrors.ErrNotMapped)
	}
	as.mapper.writePTE(l1, ind.L1, PTE(0))
	as.mapper.hal.InvalidatePage(virt)
	return nil
}

// Translate walks the table tree for virt and returns the physical address
// it resolves to, following 1 GiB and 2 MiB huge leaves as well as ordinary
// 4 KiB leaves.
func (as *AddressSpace) Translate(virt uint64) (uint64, error) {
	if !IsCanonical(virt) {
		return 0, kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "paging.Translate", kernelerrors.ErrNonCanonicalAddress)
	}
	ind := Decompose(virt)
	root := as.root.Addr()

	l4e := as.mapper.readPTE(root, ind.L4)
	if !l4e.Present() {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.Translate", kernelerrors.ErrNotMapped)
	}
	l3e := as.mapper.readPTE(l4e.Addr(), ind.L3)
	if !l3e.Present() {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.Translate", kernelerrors.ErrNotMapped)
	}
	if l3e.Huge() {
		return l3e.Addr() + (virt % Size1GiB), nil
	}
	l2e := as.mapper.readPTE(l3e.Addr(), ind.L2)
	if !l2e.Present() {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.Translate", kernelerrors.ErrNotMapped)
	}
	if l2e.Huge() {
		return l2e.Addr() + (virt % Size2MiB), nil
	}
	l1e := as.mapper.readPTE(l2e.Addr(), ind.L1)
	if !l1e.Present() {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.Translate", kernelerrors.ErrNotMapped)
	}
	return l1e.Addr() + ind.Offset, nil
}

// MapHuge installs a 2 MiB or 1 GiB leaf, per sizeBytes.
func (as *AddressSpace) MapHuge(virt, phys, sizeBytes uint64, flags MapFlags) error {
	if !IsCanonical(virt) {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "paging.MapHuge", kernelerrors.ErrNonCanonicalAddress)
	}
	flags.Huge = true
	ind := Decompose(virt)
	user := userHalfOf(virt)

	l3, err := as.mapper.walkLevel(as.root.Addr(), ind.L4, true, user)
	if err != nil {
		return err
	}
	switch sizeBytes {
	case Size1GiB:
		if as.mapper.readPTE(l3, ind.L3).Present() {
			return kernelerrors.Newf(kernelerrors.KindStateConflict, "paging.MapHuge", "virtual address %#x is already mapped", virt)
		}
		as.mapper.writePTE(l3, ind.L3, newLeafPTE(phys, flags))
		return nil
	case Size2MiB:
		l2, err := as.mapper.walkLevel(l3, ind.L3, true, user)
		if err != nil {
			return err
		}
		if as.mapper.readPTE(l2, ind.L2).Present() {
			return kernelerrors.Newf(kernelerrors.KindStateConflict, "paging.MapHuge", "virtual address %#x is already mapped", virt)
		}
		as.mapper.writePTE(l2, ind.L2, newLeafPTE(phys, flags))
		return nil
	default:
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "paging.MapHuge", "size must be Size1GiB or Size2MiB, got %d", sizeBytes)
	}
}
