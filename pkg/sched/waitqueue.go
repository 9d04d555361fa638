// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"container/list"
	"sync"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// noTimeout marks a WaitQueue entry with no wake_deadline.
const noTimeout = ^uint64(0)

// WaitQueue is a FIFO of blocked threads with an optional per-entry
// timeout, the generic primitive every blocking IPC call (pipe, mq, futex)
// sleeps on (spec §4.4's "wait queues with timeout"). container/list backs
// it; no intrusive-deque library appears anywhere in the example pack, so
// this is a justified stdlib use (see the design ledger).
type WaitQueue struct {
	mu      sync.Mutex
	waiters list.List // element *waitEntry
}

type waitEntry struct {
	thread   *proc.TCB
	deadline uint64
}

func NewWaitQueue() *WaitQueue { return &WaitQueue{} }

// Sleep enqueues t (already transitioned to Sleeping by the caller) with
// the given wake_deadline tick, or noTimeout for an untimed wait.
func (q *WaitQueue) Sleep(t *proc.TCB, deadline uint64) {
	t.WakeDeadline = deadline
	q.mu.Lock()
	q.waiters.PushBack(&waitEntry{thread: t, deadline: deadline})
	q.mu.Unlock()
}

// WakeOne dequeues and returns the longest-waiting thread, or nil if the
// queue is empty. The caller is responsible for re-enqueueing it on a run
// queue (s.AddThread) — WaitQueue only tracks membership.
func (q *WaitQueue) WakeOne() *proc.TCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.waiters.Front()
	if e == nil {
		return nil
	}
	q.waiters.Remove(e)
	return e.Value.(*waitEntry).thread
}

// WakeAll dequeues and returns every waiter, oldest first.
func (q *WaitQueue) WakeAll() []*proc.TCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*proc.TCB, 0, q.waiters.Len())
	for e := q.waiters.Front(); e != nil; {
		next := e.Next()
		out = append(out, e.Value.(*waitEntry).thread)
		q.waiters.Remove(e)
		e = next
	}
	return out
}

// ExpireTimeouts removes and returns every waiter whose wake_deadline is at
// or before currentTick (spec §4.4: "the tick handler promotes them to
// Ready when the deadline passes"). Callers should re-enqueue each
// returned thread via the scheduler and report ErrTimedOut to it.
func (q *WaitQueue) ExpireTimeouts(currentTick uint64) []*proc.TCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*proc.TCB
	for e := q.waiters.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*waitEntry)
		if entry.deadline != noTimeout && entry.deadline <= currentTick {
			out = append(out, entry.thread)
			q.waiters.Remove(e)
		}
		e = next
	}
	return out
}

// Len reports the number of waiters currently queued.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}

// ErrWaitTimedOut is returned by blocking IPC calls when ExpireTimeouts
// reclaims their waiter before a wake.
var ErrWaitTimedOut = kernelerrors.ErrTimedOut
