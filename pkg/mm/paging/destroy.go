// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package paging

import "github.com/nucleuscore/nucleus/pkg/mm/frame"

// Destroy frees every physical frame exclusively owned by as's user half —
// leaf pages and the intermediate tables that map them — and finally the
// root table itself. A COW-tagged leaf is only freed once cow reports no
// address space still references it (the mirror image of ForkCOW's Incr).
// The kernel half, shared by reference with every other address space
// rooted from the same Mapper, is left untouched.
func (as *AddressSpace) Destroy(cow *COWTable) error {
	for idx := 0; idx < KernelHalfL4; idx++ {
		e := as.mapper.readPTE(as.root.Addr(), idx)
		if !e.Present() {
			continue
		}
		if err := as.mapper.destroySubtree(e.Addr(), 3, cow); err != nil {
			return err
		}
	}
	return as.mapper.frames.FreeFrame(as.root)
}

// destroySubtree frees every frame reachable from tableAddr, a table at the
// given level (level 1 entries are 4 KiB leaves, following forkSubtree's
// level numbering), then tableAddr's own frame.
func (m *Mapper) destroySubtree(tableAddr uint64, level int, cow *COWTable) error {
	for idx := 0; idx < entriesPerTable; idx++ {
		e := m.readPTE(tableAddr, idx)
		if !e.Present() {
			continue
		}
		if level == 1 || e.Huge() {
			if e.COW() && cow.Decr(e.Addr()) > 0 {
				continue
			}
			if err := m.frames.FreeFrame(frame.Frame(e.Addr())); err != nil {
				return err
			}
			continue
		}
		if err := m.destroySubtree(e.Addr(), level-1, cow); err != nil {
			return err
		}
	}
	return m.frames.FreeFrame(frame.Frame(tableAddr))
}
