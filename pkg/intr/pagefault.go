// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package intr

import (
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/signal"
)

const pageSize = 4096

// demandGrowWindow bounds how far below a growable stack VMA (or above a
// growable heap VMA) a not-present fault is still treated as "grow and
// demand-fault" rather than an out-of-bounds access. One page is the
// minimum useful guard distance; real stacks fault one page past the
// current bottom on a normal call-depth increase.
const demandGrowWindow = pageSize

// handlePageFault implements spec §4.9's page-fault classification:
// write-to-COW first (the common fork-then-write case), then not-present
// against a VMA the thread already owns (first-touch demand-zero, or a
// one-page stack/heap growth), and failing both, a user-access violation
// that raises SIGSEGV.
func handlePageFault(r *Router, thread *proc.TCB, f Frame) {
	p, ok := r.Kernel.Processes.Get(thread.Pid)
	if !ok {
		r.logger.Error(nil, "page fault on unregistered process", "pid", thread.Pid)
		return
	}

	if f.WasPresent() && f.WasWrite() {
		if err := p.AddressSpace.HandleWriteFault(f.FaultAddr, p.COW); err == nil {
			return
		}
		// Present but not resolvable as a COW fault: a real write-protect
		// violation (write to a read-only, non-COW mapping).
		r.Signals.Send(thread, signal.Info{Signo: signal.SIGSEGV, Code: f.Vector, Addr: f.FaultAddr})
		return
	}

	if !f.WasPresent() && demandFault(r, p, f.FaultAddr) {
		return
	}

	r.Signals.Send(thread, signal.Info{Signo: signal.SIGSEGV, Code: f.Vector, Addr: f.FaultAddr})
}

// demandFault handles a not-present fault: either the address already
// falls inside a VMA the process owns (first touch of a lazily-backed
// page) or it falls within one page of a growable VMA's current edge
// (stack/heap growth). Returns false if neither applies, signalling the
// caller to raise SIGSEGV.
func demandFault(r *Router, p *proc.PCB, addr uint64) bool {
	if v, ok := p.VMAs.Find(addr); ok {
		return mapDemandPage(r, p, pageFloor(addr), v.Flags)
	}

	for _, v := range p.VMAs.All() {
		if !v.Flags.Growable {
			continue
		}
		if v.Flags.Stack && addr < v.Start && v.Start-addr <= demandGrowWindow {
			if err := p.VMAs.Grow(v.Start, roundUpPage(v.Start-addr)); err != nil {
				return false
			}
			grown, _ := p.VMAs.Find(addr)
			return mapDemandPage(r, p, pageFloor(addr), grown.Flags)
		}
		if !v.Flags.Stack && addr >= v.End && addr-v.End < demandGrowWindow {
			if err := p.VMAs.Grow(v.Start, roundUpPage(addr-v.End+1)); err != nil {
				return false
			}
			return mapDemandPage(r, p, pageFloor(addr), v.Flags)
		}
	}
	return false
}

// mapDemandPage installs a fresh, zeroed physical frame at pageAddr with
// flags's permissions — the "demand-fault" branch of the page-fault
// handler (spec §4.9).
func mapDemandPage(r *Router, p *proc.PCB, pageAddr uint64, flags vma.Flags) bool {
	frm, err := r.Kernel.Mapper.Frames().AllocFrame()
	if err != nil {
		return false
	}
	mapFlags := paging.MapFlags{Writable: flags.Write, User: flags.User, Executable: flags.Execute}
	if err := p.AddressSpace.Map(pageAddr, frm.Addr(), mapFlags); err != nil {
		return false
	}
	return true
}

func pageFloor(addr uint64) uint64 { return addr &^ (pageSize - 1) }

func roundUpPage(n uint64) uint64 { return (n + pageSize - 1) &^ (pageSize - 1) }
