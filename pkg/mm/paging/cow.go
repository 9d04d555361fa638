// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

import (
	"sync"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
)

// COWTable tracks how many address spaces currently reference a physical
// frame under copy-on-write. It is process-tree-wide: every AddressSpace
// produced by a fork shares the same COWTable as its parent.
type COWTable struct {
	mu   sync.Mutex
	refs map[uint64]int
}

func NewCOWTable() *COWTable {
	return &COWTable{refs: make(map[uint64]int)}
}

// Incr records a new COW reference to the frame at addr. The originating
// writable mapping counts as the first reference, so a freshly-COW'd frame
// starts at 2 (parent + child).
func (c *COWTable) Incr(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[addr] == 0 {
		c.refs[addr] = 1
	}
	c.refs[addr]++
}

func (c *COWTable) Decr(addr uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[addr]--
	n := c.refs[addr]
	if n <= 0 {
		delete(c.refs, addr)
	}
	return n
}

func (c *COWTable) Count(addr uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[addr]
}

// ForkCOW builds child's user half from parent's: every writable leaf is
// made read-only and COW-tagged in both parent and child, sharing the same
// physical frame; intermediate tables are deep-copied so the two address
// spaces can diverge independently above the leaf level. The kernel half is
// untouched — it already arrived shared by reference from NewAddressSpace.
func (m *Mapper) ForkCOW(parent, child *AddressSpace, cow *COWTable) error {
	for idx := 0; idx < KernelHalfL4; idx++ {
		e := m.readPTE(parent.root.Addr(), idx)
		if !e.Present() {
			continue
		}
		childSub, err := m.frames.AllocFrame()
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "paging.ForkCOW", err)
		}
		m.zeroTable(childSub.Addr())
		m.writePTE(child.root.Addr(), idx, e.WithAddr(childSub.Addr()))

		prefix := uint64(idx) << 39
		if err := m.forkSubtree(e.Addr(), childSub.Addr(), 3, prefix, cow); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) forkSubtree(parentTable, childTable uint64, level int, prefix uint64, cow *COWTable) error {
	shift := uint(12 + 9*(level-1))
	for idx := 0; idx < entriesPerTable; idx++ {
		e := m.readPTE(parentTable, idx)
		if !e.Present() {
			continue
		}
		virt := prefix | (uint64(idx) << shift)

		if level == 1 || e.Huge() {
			if e.Writable() {
				e = e.WithWritable(false).WithCOW(true)
				m.writePTE(parentTable, idx, e)
				cow.Incr(e.Addr())
				m.hal.InvalidatePage(virt)
			}
			m.writePTE(childTable, idx, e)
			continue
		}

		childSub, err := m.frames.AllocFrame()
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "paging.forkSubtree", err)
		}
		m.zeroTable(childSub.Addr())
		m.writePTE(childTable, idx, e.WithAddr(childSub.Addr()))
		if err := m.forkSubtree(e.Addr(), childSub.Addr(), level-1, virt, cow); err != nil {
			return err
		}
	}
	return nil
}

// HandleWriteFault resolves a write fault at virt against a COW-tagged leaf:
// if this address space holds the last reference to the underlying frame it
// simply regains write access; otherwise it copies the frame's contents into
// a fresh one and remaps virt onto the copy. Returns ErrPermissionDenied if
// the faulting PTE is not COW-tagged at all (a genuine access violation, not
// this function's concern to resolve).
func (as *AddressSpace) HandleWriteFault(virt uint64, cow *COWTable) error {
	if !IsCanonical(virt) {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "paging.HandleWriteFault", kernelerrors.ErrNonCanonicalAddress)
	}
	ind := Decompose(virt)
	l1, err := as.mapper.walkToL1(as.root.Addr(), ind, false, userHalfOf(virt))
	if err != nil {
		return err
	}
	e := as.mapper.readPTE(l1, ind.L1)
	if !e.Present() {
		return kernelerrors.Wrap(kernelerrors.KindNotFound, "paging.HandleWriteFault", kernelerrors.ErrNotMapped)
	}
	if !e.COW() {
		return kernelerrors.Wrap(kernelerrors.KindPermission, "paging.HandleWriteFault", kernelerrors.ErrPermissionDenied)
	}

	oldAddr := e.Addr()
	if cow.Count(oldAddr) <= 1 {
		e = e.WithWritable(true).WithCOW(false)
		as.mapper.writePTE(l1, ind.L1, e)
		as.mapper.hal.InvalidatePage(virt)
		return nil
	}

	newFrame, err := as.mapper.frames.AllocFrame()
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "paging.HandleWriteFault", err)
	}
	copy(as.mapper.arena[newFrame.Addr():newFrame.Addr()+frame.PageSize], as.mapper.arena[oldAddr:oldAddr+frame.PageSize])

	e = e.WithAddr(newFrame.Addr()).WithWritable(true).WithCOW(false)
	as.mapper.writePTE(l1, ind.L1, e)
	as.mapper.hal.InvalidatePage(virt)
	cow.Decr(oldAddr)
	return nil
}
