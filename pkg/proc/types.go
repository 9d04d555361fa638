// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package proc is the process/thread model: PCB and TCB definitions, the
// process and thread tables, and the create/fork/exec/exit/wait operations
// that mutate them.
package proc

import (
	"sync"

	"github.com/nucleuscore/nucleus/pkg/cap"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
)

type Pid uint32
type Tid uint32

// NoPid is used for "no parent" (the init process) and "no specific pid" in
// wait().
const NoPid Pid = 0

type ProcState int

const (
	ProcRunning ProcState = iota
	ProcSleeping
	ProcStopped
	ProcZombie
	ProcDead
)

type ThreadState int

const (
	ThreadCreated ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadBlocked
	ThreadSleeping
	ThreadDead
)

// Credentials are the uid/gid family carried by a process, per the data
// model's Process fields.
type Credentials struct {
	Uid, Gid   uint32
	Euid, Egid uint32
	SavedUid, SavedGid uint32
	FSUid, FSGid       uint32
	Groups             []uint32
}

// CPUContext is the saved register state a context switch restores: general
// registers, segment selectors, and the three the scheduler touches by name.
type CPUContext struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RSP, RFLAGS   uint64
	CS, SS             uint16
}

// HandlerAction is the disposition of one signal number.
type HandlerAction int

const (
	ActionDefault HandlerAction = iota
	ActionIgnore
	ActionHandler
)

// SigHandler is one entry of a process's 32-entry handler table.
type SigHandler struct {
	Action  HandlerAction
	Address uint64
	Mask    uint32
	Flags   uint32
}

// ProcessSignalState is the per-process half of the signal data model: the
// shared handler table (32 entries per spec §3).
type ProcessSignalState struct {
	mu       sync.Mutex
	Handlers [32]SigHandler
}

func (s *ProcessSignalState) Handler(sig int) SigHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Handlers[sig]
}

func (s *ProcessSignalState) SetHandler(sig int, h SigHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Handlers[sig] = h
}

// ThreadSignalState is the per-thread half: pending and blocked bitmaps.
type ThreadSignalState struct {
	mu      sync.Mutex
	Pending uint32
	Blocked uint32
}

func (s *ThreadSignalState) Snapshot() (pending, blocked uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pending, s.Blocked
}

func (s *ThreadSignalState) SetPending(sig int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pending |= 1 << uint(sig)
}

func (s *ThreadSignalState) ClearPending(sig int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pending &^= 1 << uint(sig)
}

func (s *ThreadSignalState) SetBlocked(mask uint32) (old uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.Blocked
	s.Blocked = mask
	return old
}

// TCB is one schedulable thread of execution, per the data model's Thread
// fields.
type TCB struct {
	mu sync.Mutex

	Tid  Tid
	Pid  Pid
	Name string

	State                   ThreadState
	Priority, OrigPriority  int
	Boosted                 bool
	Affinity                uint64 // bitmap of eligible CPUs, all-ones = any
	CurrentCPU              int    // -1 when not running

	Context CPUContext

	KernelStack []byte
	UserStack   uint64
	TLS         uint64

	TimeSlice    int
	CPUTimeTicks uint64
	WakeDeadline uint64 // valid while State == ThreadSleeping

	Signals *ThreadSignalState

	ExitCode int
	Done     chan struct{} // closed when the thread transitions to Dead, for Join
}

func (t *TCB) SetState(s ThreadState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = s
}

func (t *TCB) GetState() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// GetPriority returns the thread's current (possibly boosted) priority.
func (t *TCB) GetPriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Priority
}

// Boost raises t's priority to newPriority if it's higher than the
// current one, recording the pre-boost value the first time (spec §4.4's
// boost_priority: "records the holder's original priority if not already
// boosted"). Returns whether a boost was applied.
func (t *TCB) Boost(newPriority int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newPriority <= t.Priority {
		return false
	}
	if !t.Boosted {
		t.OrigPriority = t.Priority
		t.Boosted = true
	}
	t.Priority = newPriority
	return true
}

// Restore reverts a boosted thread to its pre-boost priority (spec §4.4's
// restore_priority, called on lock release).
func (t *TCB) Restore() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Boosted {
		return
	}
	t.Priority = t.OrigPriority
	t.Boosted = false
}

// PCB is one process, per the data model's Process fields.
type PCB struct {
	mu sync.Mutex

	Pid      Pid
	PPid     Pid
	Children []Pid
	PGID, SID uint32
	Name     string

	AddressSpace *paging.AddressSpace
	COW          *paging.COWTable
	VMAs         *vma.List

	FDs   *FDTable
	Creds Credentials
	Caps  cap.Set

	Threads []Tid

	Signals *ProcessSignalState

	State    ProcState
	ExitCode int
	WaitPid  Pid // pid a blocked waiter in Wait() is watching, NoPid = any

	waiters chan struct{} // closed (and replaced) each time a child state changes worth a wait() wakeup
}

func newWaiters() chan struct{} { return make(chan struct{}) }

func (p *PCB) AddChild(pid Pid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Children = append(p.Children, pid)
}

func (p *PCB) RemoveChild(pid Pid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.Children {
		if c == pid {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			return
		}
	}
}

func (p *PCB) AddThread(tid Tid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Threads = append(p.Threads, tid)
}

func (p *PCB) RemoveThread(tid Tid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.Threads {
		if t == tid {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			return
		}
	}
}

func (p *PCB) ThreadsSnapshot() []Tid {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Tid, len(p.Threads))
	copy(out, p.Threads)
	return out
}

func (p *PCB) ChildrenSnapshot() []Pid {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Pid, len(p.Children))
	copy(out, p.Children)
	return out
}

func (p *PCB) notifyWaiters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.waiters)
	p.waiters = newWaiters()
}

func (p *PCB) waitChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters
}
