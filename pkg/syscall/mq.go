// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/ipc/mq"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// mqDefaultMaxMsg/mqDefaultMsgSize are the attr defaults used when mq_open
// is called without an explicit mq_attr (args[3] == 0), mirroring glibc's
// fallback of 10 messages of 8 KiB.
const (
	mqDefaultMaxMsg  = 10
	mqDefaultMsgSize = 8192
)

// sysMqOpen implements mq_open(name_ptr, flags, mode, maxmsg<<32|msgsize) ->
// fd | errno. A queue already open under name is reused; O_CREAT (this
// ABI's OCreat, 0x40, in flags) creates one if absent.
func sysMqOpen(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	name, err := CopyInString(p.AddressSpace, d.Kernel.Mapper.Arena(), args[0], MaxPathLen)
	if err != nil {
		return 0, err
	}
	flags := int(args[1])

	d.mu.Lock()
	q, ok := d.mqs[name]
	if !ok {
		if flags&OCreat == 0 {
			d.mu.Unlock()
			return 0, kernelerrors.Newf(kernelerrors.KindNotFound, "syscall.sysMqOpen", "no queue named %q", name)
		}
		maxMsg, msgSize := mqDefaultMaxMsg, mqDefaultMsgSize
		if attr := args[3]; attr != 0 {
			maxMsg, msgSize = int(attr>>32), int(uint32(attr))
		}
		q, err = mq.New(maxMsg, msgSize, d.Scheduler)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		d.mqs[name] = q
	}
	d.mu.Unlock()

	fd, err := p.FDs.Install(proc.NewOpenFile(q), false)
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

func sysMqUnlink(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	name, err := CopyInString(p.AddressSpace, d.Kernel.Mapper.Arena(), args[0], MaxPathLen)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mqs[name]; !ok {
		return 0, kernelerrors.Newf(kernelerrors.KindNotFound, "syscall.sysMqUnlink", "no queue named %q", name)
	}
	delete(d.mqs, name)
	return 0, nil
}

func mqFromFD(d *Dispatcher, p *proc.PCB, fd int) (*mq.Queue, error) {
	entry, err := p.FDs.Get(fd)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.mqFromFD", err, kernelerrors.WithErrno(EBADF))
	}
	q, ok := entry.File.Backing.(*mq.Queue)
	if !ok {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.mqFromFD", "fd %d is not a message queue", fd)
	}
	return q, nil
}

// sysMqTimedsend implements mq_send(fd, buf_ptr, len, priority) -> 0 |
// errno; the timed variant's deadline is out of scope (spec §4.6 names no
// wait-queue timeout for message queues specifically), so this always
// behaves as the blocking form.
func sysMqTimedsend(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	q, err := mqFromFD(d, p, int(args[0]))
	if err != nil {
		return 0, err
	}
	if err := ValidateUserRange(p.AddressSpace, p.VMAs, args[1], args[2], MaxWriteSize, false); err != nil {
		return 0, err
	}
	data, err := CopyIn(p.AddressSpace, d.Kernel.Mapper.Arena(), args[1], int(args[2]))
	if err != nil {
		return 0, err
	}
	if err := q.Send(thread, data, int(args[3]), false); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysMqTimedreceive implements mq_receive(fd, buf_ptr, len) ->
// bytes_received | errno, with the received priority written back through
// args[3] if non-zero (a user pointer to a uint32).
func sysMqTimedreceive(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	q, err := mqFromFD(d, p, int(args[0]))
	if err != nil {
		return 0, err
	}
	if err := ValidateUserRange(p.AddressSpace, p.VMAs, args[1], args[2], MaxReadSize, true); err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	n, priority, err := q.Receive(thread, buf, false)
	if err != nil {
		return 0, err
	}
	if err := CopyOut(p.AddressSpace, d.Kernel.Mapper.Arena(), args[1], buf[:n]); err != nil {
		return 0, err
	}
	if prioPtr := args[3]; prioPtr != 0 {
		prioBuf := make([]byte, 4)
		le32(prioBuf, uint32(priority))
		if err := CopyOut(p.AddressSpace, d.Kernel.Mapper.Arena(), prioPtr, prioBuf); err != nil {
			return 0, err
		}
	}
	return uint64(n), nil
}
