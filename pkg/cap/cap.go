// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cap implements the capability bitmap and per-uid resource-limit
// checks: the refinement of euid==0 "can do anything" into 32 named bits,
// and the fork-rate/process-count gates that guard process creation.
package cap

import (
	"sync"

	"golang.org/x/time/rate"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// Capability is one of the 32 named bits.
type Capability uint

const (
	CAP_DAC_OVERRIDE Capability = iota
	CAP_DAC_READ_SEARCH
	CAP_FOWNER
	CAP_FSETID
	CAP_KILL
	CAP_SETGID
	CAP_SETUID
	CAP_SETPCAP
	CAP_NET_BIND_SERVICE
	CAP_NET_ADMIN
	CAP_NET_RAW
	CAP_IPC_LOCK
	CAP_IPC_OWNER
	CAP_SYS_CHROOT
	CAP_SYS_PTRACE
	CAP_SYS_ADMIN
	CAP_SYS_BOOT
	CAP_SYS_NICE
	CAP_SYS_RESOURCE
	CAP_SYS_TIME
	CAP_MKNOD
	CAP_AUDIT_WRITE
	CAP_AUDIT_CONTROL
	CAP_SETFCAP
	CAP_MAC_OVERRIDE
	CAP_MAC_ADMIN
	CAP_SYSLOG
	CAP_WAKE_ALARM
	CAP_BLOCK_SUSPEND
	CAP_LEASE
	CAP_BPF
	CAP_CHECKPOINT_RESTORE
)

func (c Capability) bit() uint64 { return 1 << uint(c) }

// Set is a process's 64-bit capability bitmap (only the low 32 bits are
// named; the upper 32 are reserved for future capabilities).
type Set uint64

func (s Set) Has(c Capability) bool { return uint64(s)&c.bit() != 0 }
func (s Set) With(c Capability) Set { return s | Set(c.bit()) }
func (s Set) Without(c Capability) Set { return s &^ Set(c.bit()) }

// AllCapabilities is the set with every named bit present, the set granted
// to euid 0 and inherited verbatim across fork.
const AllCapabilities Set = (1 << 32) - 1

// HasCapability reports whether the caller may perform an operation gated by
// c: true if euid is 0 or the bit is present in caps.
func HasCapability(euid uint32, caps Set, c Capability) bool {
	return euid == 0 || caps.Has(c)
}

// RequireCapability returns ErrPermissionDenied if HasCapability is false.
func RequireCapability(euid uint32, caps Set, c Capability) error {
	if !HasCapability(euid, caps, c) {
		return kernelerrors.Wrap(kernelerrors.KindPermission, "cap.RequireCapability", kernelerrors.ErrPermissionDenied)
	}
	return nil
}

// DropCapability is always allowed on one's own set.
func DropCapability(caps Set, c Capability) Set { return caps.Without(c) }

// AddCapability requires CAP_SETPCAP in the caller's current set (or euid 0).
func AddCapability(euid uint32, caps Set, c Capability) (Set, error) {
	if err := RequireCapability(euid, caps, CAP_SETPCAP); err != nil {
		return caps, err
	}
	return caps.With(c), nil
}

// Limits is one uid's resource-limit configuration.
type Limits struct {
	MaxProcesses int
	ForkRate     rate.Limit // sustained forks/sec
	ForkBurst    int
}

// Limiter gates process creation: an absolute per-uid process-count cap and
// a sliding-window (token-bucket) fork-rate cap. Audit hooks are wired by
// the caller (pkg/audit) rather than baked in here, so this package stays
// ignorant of the audit record format.
type Limiter struct {
	mu        sync.Mutex
	limits    map[uint32]Limits
	processes map[uint32]int
	buckets   map[uint32]*rate.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{
		limits:    make(map[uint32]Limits),
		processes: make(map[uint32]int),
		buckets:   make(map[uint32]*rate.Limiter),
	}
}

func (l *Limiter) SetLimits(uid uint32, lim Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[uid] = lim
	delete(l.buckets, uid) // re-created lazily with the new rate on next check
}

func (l *Limiter) limitsFor(uid uint32) Limits {
	if lim, ok := l.limits[uid]; ok {
		return lim
	}
	return Limits{MaxProcesses: 256, ForkRate: 8, ForkBurst: 16}
}

// CheckCanFork compares uid's current live-process count to its limit.
func (l *Limiter) CheckCanFork(uid uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.limitsFor(uid)
	if l.processes[uid] >= lim.MaxProcesses {
		return kernelerrors.Wrap(kernelerrors.KindWouldBlock, "cap.CheckCanFork", kernelerrors.ErrTryAgain)
	}
	return nil
}

// CheckForkRateLimit enforces a per-uid token bucket over wall-clock time
// (spec §4.7's "sliding window", realized as golang.org/x/time/rate rather
// than a hand-rolled tick window: fork rate limiting is inherently a
// wall-clock concern — an attacker forking in a tight loop should be capped
// by real elapsed time, not by how many scheduler ticks happen to have
// executed).
func (l *Limiter) CheckForkRateLimit(uid uint32) error {
	l.mu.Lock()
	lim := l.limitsFor(uid)
	lim2, ok := l.buckets[uid]
	if !ok {
		lim2 = rate.NewLimiter(lim.ForkRate, lim.ForkBurst)
		l.buckets[uid] = lim2
	}
	l.mu.Unlock()

	if !lim2.Allow() {
		return kernelerrors.Wrap(kernelerrors.KindWouldBlock, "cap.CheckForkRateLimit", kernelerrors.ErrTryAgain)
	}
	return nil
}

// RecordProcessCreated/RecordProcessExited keep the live-process count
// accurate; callers invoke these from proc.Fork and proc.Exit.
func (l *Limiter) RecordProcessCreated(uid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processes[uid]++
}

func (l *Limiter) RecordProcessExited(uid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.processes[uid] > 0 {
		l.processes[uid]--
	}
}
