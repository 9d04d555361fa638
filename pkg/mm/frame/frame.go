// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package frame implements the physical frame allocator: a bitmap over the
// usable portion of the bootloader-supplied memory map, handing out and
// reclaiming 4 KiB frames.
package frame

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nucleuscore/nucleus/pkg/boot"
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

const (
	// PageSize is the frame size in bytes (4 KiB pages only — huge-page
	// leaves in mm/paging are composed of contiguous 4 KiB frames, not
	// separately allocated).
	PageSize = 4096

	minRegionBase = 16 * 1024 * 1024 // skip anything entirely below 16 MiB
	minRegionSize = 64 * 1024 * 1024 // skip regions smaller than 64 MiB
)

// Frame identifies one physical 4 KiB page by its base address.
type Frame uint64

func (f Frame) Addr() uint64 { return uint64(f) }

// Allocator is a bitmap-indexed physical frame supply. Bit i is set iff
// frame i (relative to the allocator's base) is free.
type Allocator struct {
	mu       sync.Mutex
	logger   logr.Logger
	base     uint64 // address of frame index 0
	nframes  int
	free     []uint64 // bitmap, 1 = free
	freeCnt  int
	regions  []boot.MemoryMapEntry
}

// New builds an allocator from the bootloader memory map, applying the
// region-eligibility rules from the kernel-core physical-memory design:
// regions entirely below 16 MiB, and regions smaller than 64 MiB, are
// excluded regardless of type.
func New(logger logr.Logger, info boot.Info) (*Allocator, error) {
	logger = logger.WithName("frame-allocator")

	var eligible []boot.MemoryMapEntry
	for _, r := range info.AvailableRegions() {
		if r.End() <= minRegionBase {
			continue
		}
		if r.Length < minRegionSize {
			continue
		}
		start := r.Base
		if start < minRegionBase {
			start = minRegionBase
		}
		eligible = append(eligible, boot.MemoryMapEntry{
			Base:   start,
			Length: r.End() - start,
			Type:   r.Type,
		})
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("frame: no eligible memory regions in boot info")
	}

	// Build one contiguous logical frame space spanning from the lowest
	// eligible base to the highest eligible end; frames inside gaps between
	// regions are marked used (never handed out) so the bitmap stays a
	// single flat array indexed by (addr-base)/PageSize.
	lo, hi := eligible[0].Base, eligible[0].End()
	for _, r := range eligible[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		if r.End() > hi {
			hi = r.End()
		}
	}
	lo -= lo % PageSize
	hi += (PageSize - hi%PageSize) % PageSize

	nframes := int((hi - lo) / PageSize)
	words := (nframes + 63) / 64
	a := &Allocator{
		logger:  logger,
		base:    lo,
		nframes: nframes,
		free:    make([]uint64, words),
		regions: eligible,
	}

	for _, r := range eligible {
		startIdx := int((r.Base - lo) / PageSize)
		endIdx := int((r.End() - lo) / PageSize)
		for i := startIdx; i < endIdx; i++ {
			a.setFree(i, true)
			a.freeCnt++
		}
	}

	logger.Info("physical frame allocator initialized",
		"regions", len(eligible), "frames", nframes, "bytes", nframes*PageSize)
	return a, nil
}

func (a *Allocator) setFree(idx int, free bool) {
	word, bit := idx/64, uint(idx%64)
	if free {
		a.free[word] |= 1 << bit
	} else {
		a.free[word] &^= 1 << bit
	}
}

func (a *Allocator) isFree(idx int) bool {
	word, bit := idx/64, uint(idx%64)
	return a.free[word]&(1<<bit) != 0
}

// AllocFrame hands out one free frame, or ErrOutOfMemory.
func (a *Allocator) AllocFrame() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.firstFreeLocked(0)
	if !ok {
		return 0, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "frame.AllocFrame", kernelerrors.ErrOutOfMemory)
	}
	a.setFree(idx, false)
	a.freeCnt--
	return Frame(a.base + uint64(idx)*PageSize), nil
}

func (a *Allocator) firstFreeLocked(from int) (int, bool) {
	startWord := from / 64
	for w := startWord; w < len(a.free); w++ {
		word := a.free[w]
		if w == startWord {
			// mask off bits below `from` within the starting word
			word &^= (uint64(1) << uint(from%64)) - 1
		}
		if word == 0 {
			continue
		}
		bit := bits.TrailingZeros64(word)
		idx := w*64 + bit
		if idx >= a.nframes {
			return 0, false
		}
		return idx, true
	}
	return 0, false
}

// AllocContig allocates n physically-contiguous frames such that the last
// frame's end address does not exceed maxAddr (e.g. 1<<32 for 32-bit DMA
// devices). Returns ErrOutOfMemory if no run of n free, eligible,
// sufficiently-low frames exists.
func (a *Allocator) AllocContig(n int, maxAddr uint64) ([]Frame, error) {
	if n <= 0 {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "frame.AllocContig", "n must be positive, got %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	runStart := -1
	for idx := 0; idx < a.nframes; idx++ {
		addr := a.base + uint64(idx)*PageSize
		if a.isFree(idx) && addr+PageSize <= maxAddr {
			if run == 0 {
				runStart = idx
			}
			run++
			if run == n {
				frames := make([]Frame, n)
				for i := 0; i < n; i++ {
					a.setFree(runStart+i, false)
					a.freeCnt--
					frames[i] = Frame(a.base + uint64(runStart+i)*PageSize)
				}
				return frames, nil
			}
		} else {
			run = 0
		}
	}
	return nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "frame.AllocContig", kernelerrors.ErrOutOfMemory)
}

// FreeFrame returns f to the free list. Freeing an address that is not a
// frame boundary within this allocator's space, or one already free, is a
// kernel-invariant violation and returns an error rather than panicking —
// callers in tests rely on catching this rather than crashing the process.
func (a *Allocator) FreeFrame(f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr := f.Addr()
	if addr < a.base || (addr-a.base)%PageSize != 0 {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "frame.FreeFrame", "address %#x is not frame-aligned in this allocator", addr)
	}
	idx := int((addr - a.base) / PageSize)
	if idx >= a.nframes {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "frame.FreeFrame", "address %#x out of range", addr)
	}
	if a.isFree(idx) {
		return kernelerrors.Newf(kernelerrors.KindStateConflict, "frame.FreeFrame", "frame %#x already free", addr)
	}
	a.setFree(idx, true)
	a.freeCnt++
	return nil
}

// FreeFrames returns the number of currently-unallocated frames.
func (a *Allocator) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCnt
}

// TotalFrames returns the total number of frames (free + allocated) managed
// by this allocator, including unusable gap frames between regions.
func (a *Allocator) TotalFrames() int { return a.nframes }
