// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"github.com/go-logr/logr"

	"github.com/nucleuscore/nucleus/pkg/cap"
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
)

// kernelStackBytes is the fixed kernel stack size per thread (spec §4.3:
// "allocates an 8 KiB kernel stack").
const kernelStackBytes = 8 * 1024

// AuditHook is invoked when a resource-limit check denies process creation,
// so callers can wire pkg/audit without this package importing it.
type AuditHook func(uid uint32, reason string)

// Kernel bundles the process/thread tables with the paging mapper and
// resource limiter every create/fork/exec/exit/wait operation needs.
type Kernel struct {
	logger    logr.Logger
	Mapper    *paging.Mapper
	Processes *ProcessTable
	Threads   *ThreadTable
	Limits    *cap.Limiter
	OnDenied  AuditHook
}

func NewKernel(logger logr.Logger, mapper *paging.Mapper, limiter *cap.Limiter) *Kernel {
	logger = logger.WithName("proc")
	return &Kernel{
		logger:    logger,
		Mapper:    mapper,
		Processes: NewProcessTable(logger),
		Threads:   NewThreadTable(logger),
		Limits:    limiter,
	}
}

// ProcessCreate allocates a PCB with a fresh address space (kernel half
// shared by reference, user half empty) and registers it. It does not
// create any thread — callers invoke ThreadCreate separately, per spec
// §4.3.
func (k *Kernel) ProcessCreate(name string, creds Credentials, caps cap.Set) (*PCB, error) {
	as, err := k.Mapper.NewAddressSpace()
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.ProcessCreate", err)
	}
	p := &PCB{
		Pid:          k.Processes.AllocPid(),
		PPid:         NoPid,
		Name:         name,
		AddressSpace: as,
		COW:          paging.NewCOWTable(),
		VMAs:         &vma.List{},
		FDs:          NewFDTable(),
		Creds:        creds,
		Caps:         caps,
		Signals:      &ProcessSignalState{},
		State:        ProcRunning,
		waiters:      newWaiters(),
	}
	if err := k.Processes.Register(p); err != nil {
		return nil, err
	}
	if k.Limits != nil {
		k.Limits.RecordProcessCreated(creds.Uid)
	}
	k.logger.Info("process created", "pid", p.Pid, "name", name)
	return p, nil
}

// ThreadCreate allocates an 8 KiB kernel stack and a TCB whose context has
// rip=entry, rdi=arg, rsp at the top of the new stack, the given privilege
// selectors, and IF=1, per spec §4.3.
func (k *Kernel) ThreadCreate(p *PCB, entry, arg uint64, name string, cs, ss uint16) (*TCB, error) {
	stack := make([]byte, kernelStackBytes)
	tcb := &TCB{
		Tid:          k.Threads.AllocTid(),
		Pid:          p.Pid,
		Name:         name,
		State:        ThreadCreated,
		Priority:     128,
		OrigPriority: 128,
		Affinity:     ^uint64(0),
		CurrentCPU:   -1,
		KernelStack:  stack,
		Signals:      &ThreadSignalState{},
		Done:         make(chan struct{}),
		Context: CPUContext{
			RIP:    entry,
			RDI:    arg,
			RSP:    uint64(len(stack)),
			RFLAGS: 1 << 9, // IF=1
			CS:     cs,
			SS:     ss,
		},
	}
	if err := k.Threads.Register(tcb); err != nil {
		return nil, err
	}
	p.AddThread(tcb.Tid)
	return tcb, nil
}
