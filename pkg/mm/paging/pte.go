// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package paging implements the 4-level page-table mapper: virtual-address
// decomposition, map/unmap/translate, COW bookkeeping, and the TLB
// shootdown IPI protocol.
package paging

const (
	flagPresent      = uint64(1) << 0
	flagWritable     = uint64(1) << 1
	flagUser         = uint64(1) << 2
	flagWriteThrough = uint64(1) << 3
	flagCacheDisable = uint64(1) << 4
	flagAccessed     = uint64(1) << 5
	flagDirty        = uint64(1) << 6
	flagHuge         = uint64(1) << 7
	flagGlobal       = uint64(1) << 8
	// flagCOW occupies a reserved software-available bit (bit 9, one of the
	// three bits 9-11 the architecture leaves unused by hardware).
	flagCOW       = uint64(1) << 9
	flagNoExecute = uint64(1) << 63

	ppnMask = uint64(0x000F_FFFF_FFFF_F000) // bits 12:51
)

// PTE is a 64-bit page-table entry.
type PTE uint64

func (p PTE) Present() bool      { return uint64(p)&flagPresent != 0 }
func (p PTE) Writable() bool     { return uint64(p)&flagWritable != 0 }
func (p PTE) User() bool         { return uint64(p)&flagUser != 0 }
func (p PTE) WriteThrough() bool { return uint64(p)&flagWriteThrough != 0 }
func (p PTE) CacheDisable() bool { return uint64(p)&flagCacheDisable != 0 }
func (p PTE) Accessed() bool     { return uint64(p)&flagAccessed != 0 }
func (p PTE) Dirty() bool        { return uint64(p)&flagDirty != 0 }
func (p PTE) Huge() bool         { return uint64(p)&flagHuge != 0 }
func (p PTE) Global() bool       { return uint64(p)&flagGlobal != 0 }
func (p PTE) NoExecute() bool    { return uint64(p)&flagNoExecute != 0 }
func (p PTE) COW() bool          { return uint64(p)&flagCOW != 0 }
func (p PTE) Addr() uint64       { return uint64(p) & ppnMask }

func (p PTE) withFlag(flag uint64, set bool) PTE {
	if set {
		return PTE(uint64(p) | flag)
	}
	return PTE(uint64(p) &^ flag)
}

func (p PTE) WithPresent(v bool) PTE  { return p.withFlag(flagPresent, v) }
func (p PTE) WithWritable(v bool) PTE { return p.withFlag(flagWritable, v) }
func (p PTE) WithUser(v bool) PTE     { return p.withFlag(flagUser, v) }
func (p PTE) WithHuge(v bool) PTE     { return p.withFlag(flagHuge, v) }
func (p PTE) WithGlobal(v bool) PTE   { return p.withFlag(flagGlobal, v) }
func (p PTE) WithNoExecute(v bool) PTE { return p.withFlag(flagNoExecute, v) }
func (p PTE) WithCOW(v bool) PTE      { return p.withFlag(flagCOW, v) }

func (p PTE) WithAddr(addr uint64) PTE {
	return PTE((uint64(p) &^ ppnMask) | (addr & ppnMask))
}

// MapFlags are the caller-facing permissions for Map, translated into PTE
// bits by the mapper.
type MapFlags struct {
	Writable  bool
	User      bool
	Executable bool
	Huge      bool
	Global    bool
}

func newLeafPTE(phys uint64, f MapFlags) PTE {
	p := PTE(0).WithPresent(true).WithAddr(phys)
	p = p.WithWritable(f.Writable)
	p = p.WithUser(f.User)
	p = p.WithHuge(f.Huge)
	p = p.WithGlobal(f.Global)
	p = p.WithNoExecute(!f.Executable)
	return p
}
