// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"encoding/binary"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/elf64"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
)

const (
	// execStackBytes is the fixed stack VMA size exec() installs (spec
	// §4.3: "a new 2 MiB stack VMA").
	execStackBytes = 2 * 1024 * 1024
	// execStackTop is the canonical user-half address the stack grows down
	// from, page-aligned just below the top of the user half.
	execStackTop = 0x0000_7FFF_FFFF_F000

	auxNull   = 0
	auxPagesz = 6
	auxEntry  = 9
)

// Exec replaces process's address space with the one described by image,
// whose file-backed bytes are imageBytes, per spec §4.3: map every PT_LOAD
// segment, build a full argv/envp/auxv stack (the design flag this
// implementation resolves in full rather than leaving argument strings
// uncopied), close FD_CLOEXEC descriptors, reset signal handlers, and
// terminate every thread but the caller's.
func (k *Kernel) Exec(process *PCB, callerThread *TCB, image *elf64.Image, imageBytes []byte, argv, envp []string) error {
	newAS, err := k.Mapper.NewAddressSpace()
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.Exec", err)
	}
	newVMAs := &vma.List{}
	arena := k.Mapper.Arena()

	for _, seg := range image.Segments {
		pages := (seg.MemSize + frame.PageSize - 1) / frame.PageSize
		frames, err := k.Mapper.Frames().AllocContig(int(pages), 1<<48)
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.Exec", err)
		}
		base := frames[0].Addr()
		for i := range arena[base : base+pages*frame.PageSize] {
			arena[base+uint64(i)] = 0
		}
		copy(arena[base:base+seg.FileSize], seg.Data(imageBytes))

		mapFlags := paging.MapFlags{Writable: seg.Perm.Write, User: true, Executable: seg.Perm.Execute}
		if err := newAS.MapRange(seg.VirtAddr, base, pages*frame.PageSize, mapFlags); err != nil {
			return err
		}
		if err := newVMAs.Insert(vma.VMA{
			Start: seg.VirtAddr, End: seg.VirtAddr + pages*frame.PageSize,
			Flags: vma.Flags{Read: seg.Perm.Read, Write: seg.Perm.Write, Execute: seg.Perm.Execute, User: true},
		}); err != nil {
			return err
		}
	}

	stackBase := uint64(execStackTop - execStackBytes)
	stackFrames, err := k.Mapper.Frames().AllocContig(execStackBytes/frame.PageSize, 1<<48)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.Exec", err)
	}
	if err := newAS.MapRange(stackBase, stackFrames[0].Addr(), execStackBytes, paging.MapFlags{Writable: true, User: true}); err != nil {
		return err
	}
	if err := newVMAs.Insert(vma.VMA{
		Start: stackBase, End: execStackTop,
		Flags: vma.Flags{Read: true, Write: true, User: true, Stack: true, Growable: true},
	}); err != nil {
		return err
	}

	rsp := writeInitialStack(arena, stackFrames[0].Addr(), stackBase, execStackTop, argv, envp, image.Entry)

	process.FDs.CloseExecRange()
	// SIG_DFL for everything not SIG_IGN: ignored signals stay ignored.
	signals := &ProcessSignalState{}
	for sig := range signals.Handlers {
		if process.Signals.Handler(sig).Action == ActionIgnore {
			signals.Handlers[sig].Action = ActionIgnore
		}
	}
	process.Signals = signals

	for _, tid := range process.ThreadsSnapshot() {
		if tid == callerThread.Tid {
			continue
		}
		if t, ok := k.Threads.Get(tid); ok {
			t.SetState(ThreadDead)
			close(t.Done)
		}
		k.Threads.Remove(tid)
		process.RemoveThread(tid)
	}

	oldAS, oldCOW := process.AddressSpace, process.COW
	process.AddressSpace = newAS
	process.VMAs = newVMAs
	process.COW = paging.NewCOWTable()

	// The new image is fully mapped and installed above; only now is it
	// safe to tear down the outgoing address space (spec §4.3: exec
	// releases the old address space, fd table persists across exec per
	// POSIX and is only CloseExecRange'd above).
	if oldAS != nil {
		if err := oldAS.Destroy(oldCOW); err != nil {
			k.logger.Error(err, "failed to release address space on exec", "pid", process.Pid)
		}
	}

	callerThread.Context = CPUContext{
		RIP:    image.Entry,
		RSP:    rsp,
		RFLAGS: 1 << 9,
		CS:     callerThread.Context.CS,
		SS:     callerThread.Context.SS,
	}
	return nil
}

// writeInitialStack lays out argv/envp/auxv per the System V AMD64 startup
// convention and returns the rsp value execution should resume at: argc,
// followed by argv[], a NULL, envp[], a NULL, then the auxv array.
// phys/virtBase/virtTop describe the contiguous physical run backing the
// stack, so a stack virtual address maps to phys = physBase + (v - virtBase).
func writeInitialStack(arena []byte, physBase, virtBase, virtTop uint64, argv, envp []string, entry uint64) uint64 {
	toPhys := func(v uint64) uint64 { return physBase + (v - virtBase) }
	cursor := virtTop

	writeString := func(s string) uint64 {
		data := append([]byte(s), 0)
		cursor -= uint64(len(data))
		copy(arena[toPhys(cursor):toPhys(cursor)+uint64(len(data))], data)
		return cursor
	}

	argvAddrs := make([]uint64, len(argv))
	for i, s := range argv {
		argvAddrs[i] = writeString(s)
	}
	envpAddrs := make([]uint64, len(envp))
	for i, s := range envp {
		envpAddrs[i] = writeString(s)
	}
	cursor &^= 7 // 8-byte align before the pointer/auxv tables

	writeU64Array := func(vals []uint64) uint64 {
		cursor -= uint64(len(vals) * 8)
		for i, v := range vals {
			binary.LittleEndian.PutUint64(arena[toPhys(cursor)+uint64(i*8):], v)
		}
		return cursor
	}

	auxv := []uint64{auxPagesz, frame.PageSize, auxEntry, entry, auxNull, 0}
	// Pad before the tables, so that once they and argc are pushed the final
	// rsp is 16-byte aligned per the ABI with argc directly below argv[].
	words := uint64(len(auxv) + len(envpAddrs) + 1 + len(argvAddrs) + 1 + 1)
	if (cursor-words*8)%16 != 0 {
		cursor -= 8
	}
	writeU64Array(auxv)

	envPtrs := make([]uint64, 0, len(envpAddrs)+1)
	envPtrs = append(envPtrs, envpAddrs...)
	envPtrs = append(envPtrs, 0)
	writeU64Array(envPtrs)

	argPtrs := make([]uint64, 0, len(argvAddrs)+1)
	argPtrs = append(argPtrs, argvAddrs...)
	argPtrs = append(argPtrs, 0)
	writeU64Array(argPtrs)

	cursor -= 8
	binary.LittleEndian.PutUint64(arena[toPhys(cursor):], uint64(len(argv)))
	return cursor
}
