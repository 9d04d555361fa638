// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package boot defines the contract between the bootloader hand-off and the
// kernel core. Parsing the tagged boot-info record stream (multiboot2 or
// otherwise) is out of scope — callers are expected to hand the core an
// already-decoded Info, the same way the core consumes ELF64 buffers and VFS
// byte streams rather than parsing filesystems itself.
package boot

// Magic is the value the core expects in the magic-word register on
// hand-off from a multiboot2-compliant loader.
const Magic uint32 = 0x36d76289

// RegionType classifies one entry of the bootloader-supplied memory map.
type RegionType uint32

const (
	RegionAvailable      RegionType = 1
	RegionReserved       RegionType = 2
	RegionACPIReclaimable RegionType = 3
	RegionNVS            RegionType = 4
	RegionBadRAM         RegionType = 5
)

// MemoryMapEntry is one {base, length, type} record from the bootloader
// memory map. Only RegionAvailable entries are eligible for the physical
// frame allocator.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// FramebufferInfo describes the boot-time linear framebuffer, if the loader
// provided one. The core never draws to it directly — ownership is handed
// to the (out-of-scope) console driver.
type FramebufferInfo struct {
	Address uint64
	Pitch   uint32
	Width   uint32
	Height  uint32
	BPP     uint8
}

// Info is the decoded boot-info record set the core consumes at init.
type Info struct {
	CommandLine string
	MemoryMap   []MemoryMapEntry
	LoaderName  string
	Framebuffer *FramebufferInfo
}

// AvailableRegions returns the subset of the memory map usable by the
// physical frame allocator, i.e. entries with Type == RegionAvailable.
func (i Info) AvailableRegions() []MemoryMapEntry {
	var out []MemoryMapEntry
	for _, e := range i.MemoryMap {
		if e.Type == RegionAvailable {
			out = append(out, e)
		}
	}
	return out
}
