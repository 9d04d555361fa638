// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package shm implements System V shared memory (spec §4.6, §3): a segment
// owns a frame vector outside any address space; shmget/shmat/shmdt/shmctl
// manage lookup, attach, detach, and deferred free on IPC_RMID.
package shm

import (
	"sync"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// Segment is a shared-memory region: a vector of frames owned by the
// segment itself (spec §4.6: "pages are owned by the segment, not any
// address space"), independent of every address space that attaches it.
type Segment struct {
	mu      sync.Mutex
	Key     uint32
	Size    uint64
	Frames  []frame.Frame
	attachN int
	marked  bool // IPC_RMID requested; free happens when attachN hits 0
}

// Registry is the global shmget keyspace.
type Registry struct {
	mu       sync.Mutex
	segments map[uint32]*Segment
	frames   *frame.Allocator
}

func NewRegistry(frames *frame.Allocator) *Registry {
	return &Registry{segments: make(map[uint32]*Segment), frames: frames}
}

// IPCCreat mirrors IPC_CREAT: Get creates a new segment of size if one
// doesn't already exist for key.
const IPCCreat = 1 << 0

// Get implements shmget(key, size, flags): creates or looks up a segment.
func (r *Registry) Get(key uint32, size uint64, flags int) (*Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seg, ok := r.segments[key]; ok {
		return seg, nil
	}
	if flags&IPCCreat == 0 {
		return nil, kernelerrors.Newf(kernelerrors.KindNotFound, "shm.Get", "no segment for key %d", key)
	}

	pages := (size + frame.PageSize - 1) / frame.PageSize
	frames := make([]frame.Frame, 0, pages)
	for i := uint64(0); i < pages; i++ {
		f, err := r.frames.AllocFrame()
		if err != nil {
			for _, alloc := range frames {
				_ = r.frames.FreeFrame(alloc)
			}
			return nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "shm.Get", err)
		}
		frames = append(frames, f)
	}

	seg := &Segment{Key: key, Size: size, Frames: frames}
	r.segments[key] = seg
	return seg, nil
}

// Attach implements shmat: maps every frame of seg into process's address
// space as a contiguous VMA at virt, with the requested protections, and
// increments the attach count.
func Attach(mapper *paging.Mapper, process *proc.PCB, seg *Segment, virt uint64, writable bool) error {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	for i, f := range seg.Frames {
		addr := virt + uint64(i)*frame.PageSize
		flags := paging.MapFlags{Writable: writable, User: true}
		if err := process.AddressSpace.Map(addr, f.Addr(), flags); err != nil {
			for j := 0; j < i; j++ {
				_ = process.AddressSpace.Unmap(virt + uint64(j)*frame.PageSize)
			}
			return err
		}
	}
	size := uint64(len(seg.Frames)) * frame.PageSize
	v := vma.VMA{
		Start: virt, End: virt + size,
		Flags: vma.Flags{Read: true, Write: writable, User: true, Shared: true},
	}
	if err := process.VMAs.Insert(v); err != nil {
		return err
	}
	seg.attachN++
	return nil
}

// Detach implements shmdt: unmaps seg's pages from process starting at
// virt and decrements the attach count, freeing the segment's frames if
// it was already marked for removal and this was the last attach.
func Detach(r *Registry, process *proc.PCB, seg *Segment, virt uint64) error {
	for i := range seg.Frames {
		if err := process.AddressSpace.Unmap(virt + uint64(i)*frame.PageSize); err != nil {
			return err
		}
	}
	process.VMAs.Remove(virt)

	seg.mu.Lock()
	seg.attachN--
	shouldFree := seg.marked && seg.attachN <= 0
	seg.mu.Unlock()

	if shouldFree {
		return r.free(seg)
	}
	return nil
}

// IPCRmid marks seg for deletion (spec §4.6: "marks for deletion; actual
// free happens when attach count reaches zero").
func (r *Registry) IPCRmid(seg *Segment) error {
	seg.mu.Lock()
	shouldFree := false
	seg.marked = true
	shouldFree = seg.attachN <= 0
	seg.mu.Unlock()

	if shouldFree {
		return r.free(seg)
	}
	return nil
}

func (r *Registry) free(seg *Segment) error {
	r.mu.Lock()
	delete(r.segments, seg.Key)
	r.mu.Unlock()

	for _, f := range seg.Frames {
		if err := r.frames.FreeFrame(f); err != nil {
			return err
		}
	}
	return nil
}
