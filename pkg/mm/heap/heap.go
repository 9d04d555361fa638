// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package heap is the kernel heap: a slab-like, size-classed allocator
// layered on the physical frame allocator, for small variable-sized
// kernel-internal allocations (PCB/TCB bookkeeping structures, page-table
// metadata, and the like — not user memory, which is VMA-backed).
package heap

import (
	"sync"

	"github.com/go-logr/logr"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
)

// sizeClasses are the slot sizes a slab can be carved into. Anything larger
// than the top class is satisfied by direct multi-frame allocation instead.
var sizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048}

type slab struct {
	class    int
	frameBuf frame.Frame
	freeList []int // byte offsets within the frame that are free
}

// Heap is a size-classed slab allocator. It is not thread-safe for zero-copy
// callers that retain pointers across frees; allocate/free calls themselves
// are serialized by mu.
type Heap struct {
	mu       sync.Mutex
	logger   logr.Logger
	frames   *frame.Allocator
	slabs    map[int][]*slab
	bigAlloc map[uint64][]frame.Frame // direct multi-frame allocations keyed by base addr
}

func New(logger logr.Logger, frames *frame.Allocator) *Heap {
	return &Heap{
		logger:   logger.WithName("kernel-heap"),
		frames:   frames,
		slabs:    make(map[int][]*slab),
		bigAlloc: make(map[uint64][]frame.Frame),
	}
}

func classFor(size int) (int, bool) {
	for _, c := range sizeClasses {
		if size <= c {
			return c, true
		}
	}
	return 0, false
}

// Alloc returns the base address of a size-byte allocation, or
// ErrOutOfMemory if the frame allocator is exhausted.
func (h *Heap) Alloc(size int) (uint64, error) {
	if size <= 0 {
		return 0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "heap.Alloc", "size must be positive, got %d", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	class, ok := classFor(size)
	if !ok {
		return h.allocBigLocked(size)
	}

	for _, s := range h.slabs[class] {
		if len(s.freeList) > 0 {
			off := s.freeList[len(s.freeList)-1]
			s.freeList = s.freeList[:len(s.freeList)-1]
			return s.frameBuf.Addr() + uint64(off), nil
		}
	}

	// No slab has room: carve a new one.
	f, err := h.frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	slotsPerFrame := frame.PageSize / class
	ns := &slab{class: class, frameBuf: f}
	for i := 1; i < slotsPerFrame; i++ {
		ns.freeList = append(ns.freeList, i*class)
	}
	h.slabs[class] = append(h.slabs[class], ns)
	return f.Addr(), nil // slot 0 handed to this caller
}

func (h *Heap) allocBigLocked(size int) (uint64, error) {
	n := (size + frame.PageSize - 1) / frame.PageSize
	frames, err := h.frames.AllocContig(n, 1<<48)
	if err != nil {
		return 0, err
	}
	base := frames[0].Addr()
	h.bigAlloc[base] = frames
	return base, nil
}

// Free releases an allocation previously returned by Alloc. Freeing an
// address this heap did not hand out is a state-conflict error.
func (h *Heap) Free(addr uint64, size int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	class, ok := classFor(size)
	if !ok {
		frames, found := h.bigAlloc[addr]
		if !found {
			return kernelerrors.Newf(kernelerrors.KindStateConflict, "heap.Free", "address %#x was not allocated by this heap", addr)
		}
		delete(h.bigAlloc, addr)
		for _, f := range frames {
			if err := h.frames.FreeFrame(f); err != nil {
				return err
			}
		}
		return nil
	}

	for _, s := range h.slabs[class] {
		base := s.frameBuf.Addr()
		if addr < base || addr >= base+frame.PageSize {
			continue
		}
		off := int(addr - base)
		s.freeList = append(s.freeList, off)
		return nil
	}
	return kernelerrors.Newf(kernelerrors.KindStateConflict, "heap.Free", "address %#x was not allocated by this heap", addr)
}
