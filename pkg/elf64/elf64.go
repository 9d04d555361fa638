// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package elf64 decodes the minimal subset of the ELF64 contract the kernel
// core consumes when exec'ing an image: the header, entry point, and
// PT_LOAD program headers. It is intentionally not a general-purpose ELF
// library — section headers, relocations, dynamic linking, and every format
// but little-endian x86_64 are out of scope, per the loader's "given a
// buffer of bytes, produce an address-space layout and entry point"
// contract.
package elf64

import (
	"encoding/binary"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

const (
	ehSize = 64
	phSize = 56

	ptLoad = 1

	pfX = 1 << 0
	pfW = 1 << 1
	pfR = 1 << 2
)

var magic = [5]byte{0x7F, 'E', 'L', 'F', 2} // ELFCLASS64

// Perm is the read/write/execute protection derived from a PT_LOAD's p_flags.
type Perm struct {
	Read, Write, Execute bool
}

// Segment is one PT_LOAD program header, ready to be mapped.
type Segment struct {
	VirtAddr uint64
	FileOff  uint64
	FileSize uint64
	MemSize  uint64 // >= FileSize; the tail is zero-filled (.bss)
	Perm     Perm
}

// Image is the decoded result: entry point plus the loadable segments, in
// file order.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Load parses an ELF64 little-endian image. It rejects any PT_LOAD segment
// that is both writable and executable (W^X), matching the kernel's VMA
// invariant rather than deferring that check to the mapper.
func Load(data []byte) (*Image, error) {
	if len(data) < ehSize {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "image too short for an ELF64 header (%d bytes)", len(data))
	}
	var m [5]byte
	copy(m[:], data[:5])
	if m != magic {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "bad ELF64 magic %x", data[:5])
	}
	if data[5] != 1 {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "only little-endian (ELFDATA2LSB) images are supported")
	}

	entry := binary.LittleEndian.Uint64(data[24:32])
	phoff := binary.LittleEndian.Uint64(data[32:40])
	phentsize := binary.LittleEndian.Uint16(data[54:56])
	phnum := binary.LittleEndian.Uint16(data[56:58])
	if phentsize != phSize {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "unexpected program header entry size %d", phentsize)
	}

	img := &Image{Entry: entry}
	for i := uint16(0); i < phnum; i++ {
		off := phoff + uint64(i)*uint64(phentsize)
		if off+phSize > uint64(len(data)) {
			return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "program header %d out of bounds", i)
		}
		ph := data[off : off+phSize]
		pType := binary.LittleEndian.Uint32(ph[0:4])
		if pType != ptLoad {
			continue
		}
		flags := binary.LittleEndian.Uint32(ph[4:8])
		seg := Segment{
			FileOff:  binary.LittleEndian.Uint64(ph[8:16]),
			VirtAddr: binary.LittleEndian.Uint64(ph[16:24]),
			FileSize: binary.LittleEndian.Uint64(ph[32:40]),
			MemSize:  binary.LittleEndian.Uint64(ph[40:48]),
			Perm: Perm{
				Read:    flags&pfR != 0,
				Write:   flags&pfW != 0,
				Execute: flags&pfX != 0,
			},
		}
		if seg.Perm.Write && seg.Perm.Execute {
			return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "PT_LOAD segment at %#x is both writable and executable", seg.VirtAddr)
		}
		if seg.FileOff+seg.FileSize > uint64(len(data)) {
			return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "elf64.Load", "PT_LOAD segment at %#x extends past end of image", seg.VirtAddr)
		}
		img.Segments = append(img.Segments, seg)
	}
	return img, nil
}

// Data returns the segment's file-backed bytes (length FileSize); the
// caller zero-fills the remaining MemSize-FileSize bytes itself.
func (s Segment) Data(image []byte) []byte {
	return image[s.FileOff : s.FileOff+s.FileSize]
}
