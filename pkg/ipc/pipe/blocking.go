// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipe

import (
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
)

// Blocking pairs a Pipe with the wait queues its read/write calls need: a
// full buffer parks writers, an empty one parks readers. This core's
// threads are cooperatively scheduled data structures, not OS goroutines,
// so "blocking" here means a single attempt: on failure the caller thread
// is parked on the appropriate queue and ErrWouldBlock is returned to the
// syscall dispatcher, which suspends the thread and reschedules. The
// syscall is expected to be retried in full the next time the thread runs,
// which is why a wake only re-enqueues the thread rather than resuming any
// in-flight call.
type Blocking struct {
	*Pipe
	Scheduler *sched.Scheduler
	readers   *sched.WaitQueue
	writers   *sched.WaitQueue
}

func NewBlocking(capacity int, scheduler *sched.Scheduler) (*Blocking, error) {
	p, err := New(capacity)
	if err != nil {
		return nil, err
	}
	return &Blocking{Pipe: p, Scheduler: scheduler, readers: sched.NewWaitQueue(), writers: sched.NewWaitQueue()}, nil
}

// Write attempts TryWrite once. On success it wakes one blocked reader. On
// a full buffer: non-blocking callers get (0, nil); blocking callers are
// parked on the writer queue and get ErrWouldBlock.
func (b *Blocking) Write(self *proc.TCB, buf []byte, nonBlocking bool) (int, error) {
	n, err := b.TryWrite(buf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if woken := b.readers.WakeOne(); woken != nil {
			_ = b.Scheduler.AddThread(woken)
		}
		return n, nil
	}
	if nonBlocking {
		return 0, nil
	}
	self.SetState(proc.ThreadBlocked)
	b.writers.Sleep(self, 0)
	return 0, kernelerrors.Wrap(kernelerrors.KindWouldBlock, "pipe.Write", kernelerrors.ErrWouldBlock)
}

// Read attempts TryRead once. On success it wakes one blocked writer. On
// an empty, non-EOF buffer: non-blocking callers get (0, false, nil);
// blocking callers are parked on the reader queue and get ErrWouldBlock.
func (b *Blocking) Read(self *proc.TCB, buf []byte, nonBlocking bool) (n int, eof bool, err error) {
	n, eof = b.TryRead(buf)
	if n > 0 || eof {
		if n > 0 {
			if woken := b.writers.WakeOne(); woken != nil {
				_ = b.Scheduler.AddThread(woken)
			}
		}
		return n, eof, nil
	}
	if nonBlocking {
		return 0, false, nil
	}
	self.SetState(proc.ThreadBlocked)
	b.readers.Sleep(self, 0)
	return 0, false, kernelerrors.Wrap(kernelerrors.KindWouldBlock, "pipe.Read", kernelerrors.ErrWouldBlock)
}
