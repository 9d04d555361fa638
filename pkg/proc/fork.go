// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"github.com/nucleuscore/nucleus/pkg/mm/frame"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
)

// CloneFlags is the superset of traditional fork() flags (spec §4.3).
// Namespace flags are accepted and recorded but do not change observable
// behavior: full namespace isolation (separate pid/net/ipc/uts/user/cgroup
// views) is outside this core's scope — only the process/thread/VM/signal
// model is implemented.
type CloneFlags struct {
	CloneVM      bool
	CloneFiles   bool
	CloneFS      bool
	CloneSighand bool
	CloneThread  bool
	CloneNewPID, CloneNewNS, CloneNewNet, CloneNewIPC, CloneNewUTS, CloneNewUser, CloneNewCgroup bool
}

// Fork implements the six ordered, rollback-safe steps of spec §4.3. It
// returns the new PCB and its main thread; the caller (the syscall layer)
// is responsible for setting the parent's return-value register to the
// child's pid — Fork already zeroes the child main thread's RAX.
func (k *Kernel) Fork(parent *PCB, parentThread *TCB, flags CloneFlags) (*PCB, *TCB, error) {
	uid := parent.Creds.Uid
	if err := k.Limits.CheckCanFork(uid); err != nil {
		k.deny(uid, "process count limit")
		return nil, nil, err
	}
	if err := k.Limits.CheckForkRateLimit(uid); err != nil {
		k.deny(uid, "fork rate limit")
		return nil, nil, err
	}

	fail := func(err error) (*PCB, *TCB, error) { return nil, nil, err }

	// Step 1: allocate child PCB, copy credentials and capabilities, set
	// parent pointer.
	child := &PCB{
		Pid:     k.Processes.AllocPid(),
		PPid:    parent.Pid,
		Name:    parent.Name,
		Creds:   parent.Creds,
		Caps:    parent.Caps,
		State:   ProcRunning,
		waiters: newWaiters(),
	}

	// Step 2: fd table, shared or deep-copied.
	child.FDs = parent.FDs.Fork(flags.CloneFiles)

	// Step 3: address space.
	if flags.CloneVM {
		as, err := k.Mapper.NewAddressSpace()
		if err != nil {
			return fail(kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.Fork", err))
		}
		if err := k.Mapper.ForkCOW(parent.AddressSpace, as, parent.COW); err != nil {
			return fail(err)
		}
		child.AddressSpace = as
		child.COW = parent.COW
		child.VMAs = parent.VMAs.Clone()
	} else {
		as, vmas, err := k.deepCopyAddressSpace(parent)
		if err != nil {
			return fail(err)
		}
		child.AddressSpace = as
		child.COW = paging.NewCOWTable()
		child.VMAs = vmas
	}

	// Step 4: namespaces — recorded, not isolated (see CloneFlags doc).

	// Step 5: signal state, shared table per clone_sighand/clone_thread,
	// otherwise a private copy of the handler table's current contents.
	if flags.CloneSighand || flags.CloneThread {
		child.Signals = parent.Signals
	} else {
		copied := *parent.Signals
		child.Signals = &copied
	}

	if err := k.Processes.Register(child); err != nil {
		return fail(err)
	}
	parent.AddChild(child.Pid)
	k.Limits.RecordProcessCreated(uid)

	// Step 6: child's main thread duplicates the caller's context; child's
	// return value is zeroed, parent keeps receiving the child pid (set by
	// the syscall layer, not here).
	childCtx := parentThread.Context
	childCtx.RAX = 0
	mainThread := &TCB{
		Tid:          k.Threads.AllocTid(),
		Pid:          child.Pid,
		Name:         child.Name + "-main",
		State:        ThreadReady,
		Priority:     parentThread.Priority,
		OrigPriority: parentThread.OrigPriority,
		Affinity:     parentThread.Affinity,
		CurrentCPU:   -1,
		Context:      childCtx,
		KernelStack:  make([]byte, kernelStackBytes),
		Signals:      &ThreadSignalState{},
		Done:         make(chan struct{}),
	}
	if err := k.Threads.Register(mainThread); err != nil {
		// Only failure mode here is a tid collision, which AllocTid's atomic
		// counter makes unreachable; roll back the process-table entry
		// anyway so a future bug here can't strand a threadless PCB.
		k.Processes.Remove(child.Pid)
		parent.RemoveChild(child.Pid)
		return fail(err)
	}
	child.AddThread(mainThread.Tid)

	k.logger.Info("fork", "parent", parent.Pid, "child", child.Pid, "clone_vm", flags.CloneVM)
	return child, mainThread, nil
}

func (k *Kernel) deny(uid uint32, reason string) {
	if k.OnDenied != nil {
		k.OnDenied(uid, reason)
	}
}

// deepCopyAddressSpace builds a fully private address space for !clone_vm
// fork: every mapped page in the parent's VMAs is physically duplicated
// rather than shared read-only.
func (k *Kernel) deepCopyAddressSpace(parent *PCB) (*paging.AddressSpace, *vma.List, error) {
	as, err := k.Mapper.NewAddressSpace()
	if err != nil {
		return nil, nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.deepCopyAddressSpace", err)
	}
	vmas := parent.VMAs.Clone()
	arena := k.Mapper.Arena()

	for _, v := range parent.VMAs.All() {
		for addr := v.Start; addr < v.End; addr += frame.PageSize {
			srcPhys, err := parent.AddressSpace.Translate(addr)
			if err != nil {
				continue // unmapped (e.g. lazily-faulted) page within the VMA
			}
			dst, err := k.Mapper.Frames().AllocFrame()
			if err != nil {
				return nil, nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.deepCopyAddressSpace", err)
			}
			copy(arena[dst.Addr():dst.Addr()+frame.PageSize], arena[srcPhys:srcPhys+frame.PageSize])
			mapFlags := paging.MapFlags{Writable: v.Flags.Write, User: v.Flags.User, Executable: v.Flags.Execute}
			if err := as.Map(addr, dst.Addr(), mapFlags); err != nil {
				return nil, nil, err
			}
		}
	}
	return as, vmas, nil
}
