// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// ProcessTable is the global process table: the arena-like owning table
// keyed by stable pid that resolves the Thread<->Process and
// parent<->children cycles through ids instead of live pointers crossing
// ownership boundaries (PCBs themselves still hold live pointers to their
// own address space and fd table, which they exclusively own).
type ProcessTable struct {
	mu      sync.RWMutex
	procs   map[Pid]*PCB
	logger  logr.Logger
	nextPid atomic.Uint32
}

func NewProcessTable(logger logr.Logger) *ProcessTable {
	t := &ProcessTable{procs: make(map[Pid]*PCB), logger: logger.WithName("process-table")}
	t.nextPid.Store(1) // pid 1 is reserved for init
	return t
}

// AllocPid returns the next pid. Pids are never reused while this table is
// alive, sidestepping the reuse races the lock hierarchy (spec §5) exists to
// prevent at the syscall layer.
func (t *ProcessTable) AllocPid() Pid {
	return Pid(t.nextPid.Add(1) - 1)
}

func (t *ProcessTable) Register(p *PCB) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.procs[p.Pid]; exists {
		return kernelerrors.Newf(kernelerrors.KindStateConflict, "proc.ProcessTable.Register", "pid %d already registered", p.Pid)
	}
	t.procs[p.Pid] = p
	t.logger.V(1).Info("registered process", "pid", p.Pid, "ppid", p.PPid, "name", p.Name)
	return nil
}

func (t *ProcessTable) Get(pid Pid) (*PCB, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Lock/Unlock expose the table's own lock to callers that must hold it
// across several steps atomically — spec §4.8's kill, which acquires the
// global process-table lock across {lookup, liveness check, permission
// check, signal enqueue} to prevent a pid-reuse race. Every other table
// operation takes the lock for its own single step only.
func (t *ProcessTable) Lock()   { t.mu.Lock() }
func (t *ProcessTable) Unlock() { t.mu.Unlock() }

// GetLocked is Get without acquiring the lock, for use inside a Lock/Unlock
// section.
func (t *ProcessTable) GetLocked(pid Pid) (*PCB, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// Remove deletes pid from the table — the final step of Wait() reaping a
// zombie.
func (t *ProcessTable) Remove(pid Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

func (t *ProcessTable) All() []*PCB {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PCB, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

// ThreadTable is the global thread table, keyed by tid for the same reason
// ProcessTable is keyed by pid.
type ThreadTable struct {
	mu      sync.RWMutex
	threads map[Tid]*TCB
	logger  logr.Logger
	nextTid atomic.Uint32
}

func NewThreadTable(logger logr.Logger) *ThreadTable {
	t := &ThreadTable{threads: make(map[Tid]*TCB), logger: logger.WithName("thread-table")}
	t.nextTid.Store(1)
	return t
}

func (t *ThreadTable) AllocTid() Tid {
	return Tid(t.nextTid.Add(1) - 1)
}

func (t *ThreadTable) Register(tcb *TCB) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.threads[tcb.Tid]; exists {
		return kernelerrors.Newf(kernelerrors.KindStateConflict, "proc.ThreadTable.Register", "tid %d already registered", tcb.Tid)
	}
	t.threads[tcb.Tid] = tcb
	t.logger.V(1).Info("registered thread", "tid", tcb.Tid, "pid", tcb.Pid, "name", tcb.Name)
	return nil
}

func (t *ThreadTable) Get(tid Tid) (*TCB, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tcb, ok := t.threads[tid]
	return tcb, ok
}

func (t *ThreadTable) Remove(tid Tid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, tid)
}

func (t *ThreadTable) ForProcess(pid Pid) []*TCB {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*TCB
	for _, tcb := range t.threads {
		if tcb.Pid == pid {
			out = append(out, tcb)
		}
	}
	return out
}
