// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync"

	"github.com/nucleuscore/nucleus/pkg/proc"
)

// PIMutex is a priority-inheriting lock: a thread blocking on it boosts
// whatever lower-priority thread currently holds it, per spec §4.4's
// boost_priority/restore_priority pair (the held-locks-per-thread design
// note in §9). The actual exclusion is an ordinary sync.Mutex; this type
// only adds the boost/restore bookkeeping around it.
type PIMutex struct {
	excl sync.Mutex

	mu     sync.Mutex
	holder *proc.TCB
}

func NewPIMutex() *PIMutex { return &PIMutex{} }

// Lock acquires the mutex on behalf of self, boosting the current holder
// (if any and if lower priority) for the duration of the wait.
func (m *PIMutex) Lock(self *proc.TCB) {
	m.mu.Lock()
	holder := m.holder
	m.mu.Unlock()

	if holder != nil && holder != self {
		holder.Boost(self.GetPriority())
	}

	m.excl.Lock()

	m.mu.Lock()
	m.holder = self
	m.mu.Unlock()
}

// Unlock releases the mutex and restores the releasing holder's original
// priority if it had been boosted.
func (m *PIMutex) Unlock() {
	m.mu.Lock()
	holder := m.holder
	m.holder = nil
	m.mu.Unlock()

	if holder != nil {
		holder.Restore()
	}
	m.excl.Unlock()
}

// Holder returns the thread currently holding the lock, or nil.
func (m *PIMutex) Holder() *proc.TCB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}
