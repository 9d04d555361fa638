// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/ipc/pipe"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// pipeEnd is one fd's view of a pipe: the read end or the write end of the
// same underlying Blocking. Closing one end only releases that end's
// reference (spec §4.6's reader/writer refcounts), and a read through the
// write end (or vice versa) is rejected rather than silently allowed.
type pipeEnd struct {
	*pipe.Blocking
	write bool
}

func (e *pipeEnd) read(thread *proc.TCB, buf []byte) (int, error) {
	if e.write {
		return 0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.pipeEnd.read", "fd is the write end")
	}
	n, eof, err := e.Blocking.Read(thread, buf, false)
	if err != nil {
		return 0, err
	}
	_ = eof
	return n, nil
}

func (e *pipeEnd) writeTo(thread *proc.TCB, buf []byte) (int, error) {
	if !e.write {
		return 0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.pipeEnd.writeTo", "fd is the read end")
	}
	return e.Blocking.Write(thread, buf, false)
}

func (e *pipeEnd) close() {
	if e.write {
		e.Blocking.CloseWriter()
	} else {
		e.Blocking.CloseReader()
	}
}

func sysRead(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	fd, ptr, length := int(args[0]), args[1], args[2]
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	entry, err := p.FDs.Get(fd)
	if err != nil {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.sysRead", err, kernelerrors.WithErrno(EBADF))
	}
	if err := ValidateUserRange(p.AddressSpace, p.VMAs, ptr, length, MaxReadSize, true); err != nil {
		return 0, err
	}

	buf := make([]byte, length)
	var n int
	switch obj := entry.File.Backing.(type) {
	case *pipeEnd:
		n, err = obj.read(thread, buf)
	case File:
		n, err = obj.Read(buf)
	default:
		return 0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.sysRead", "fd %d is not readable", fd)
	}
	if err != nil {
		return 0, err
	}
	if err := CopyOut(p.AddressSpace, d.Kernel.Mapper.Arena(), ptr, buf[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func sysWrite(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	fd, ptr, length := int(args[0]), args[1], args[2]
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	if err := ValidateUserRange(p.AddressSpace, p.VMAs, ptr, length, MaxWriteSize, false); err != nil {
		return 0, err
	}
	entry, err := p.FDs.Get(fd)
	if err != nil {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.sysWrite", err, kernelerrors.WithErrno(EBADF))
	}

	buf, err := CopyIn(p.AddressSpace, d.Kernel.Mapper.Arena(), ptr, int(length))
	if err != nil {
		return 0, err
	}

	var n int
	switch obj := entry.File.Backing.(type) {
	case *pipeEnd:
		n, err = obj.writeTo(thread, buf)
	case File:
		n, err = obj.Write(buf)
	default:
		return 0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.sysWrite", "fd %d is not writable", fd)
	}
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func sysOpen(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	ptr, flags, mode := args[0], int(args[1]), uint32(args[2])
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	if d.VFS == nil {
		return 0, kernelerrors.Newf(kernelerrors.KindNotFound, "syscall.sysOpen", "no filesystem attached")
	}
	raw, err := CopyInString(p.AddressSpace, d.Kernel.Mapper.Arena(), ptr, MaxPathLen)
	if err != nil {
		return 0, err
	}
	path, err := SanitizePath(raw, false)
	if err != nil {
		return 0, err
	}
	file, err := d.VFS.Open(path, flags, mode)
	if err != nil {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.sysOpen", err)
	}
	fd, err := p.FDs.Install(proc.NewOpenFile(file), false)
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

func sysClose(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	fd := int(args[0])
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	entry, err := p.FDs.Get(fd)
	if err != nil {
		return 0, kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.sysClose", err, kernelerrors.WithErrno(EBADF))
	}
	switch obj := entry.File.Backing.(type) {
	case *pipeEnd:
		obj.close()
	case File:
		_ = obj.Close()
	}
	return 0, p.FDs.Close(fd)
}

func sysPipe(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	bp, err := pipe.NewBlocking(pipe.DefaultCapacity, d.Scheduler)
	if err != nil {
		return 0, err
	}

	readFD, err := p.FDs.Install(proc.NewOpenFile(&pipeEnd{Blocking: bp, write: false}), false)
	if err != nil {
		return 0, err
	}
	writeFD, err := p.FDs.Install(proc.NewOpenFile(&pipeEnd{Blocking: bp, write: true}), false)
	if err != nil {
		return 0, err
	}

	fdsPtr := args[0]
	buf := make([]byte, 8)
	le32(buf[0:4], uint32(readFD))
	le32(buf[4:8], uint32(writeFD))
	if err := CopyOut(p.AddressSpace, d.Kernel.Mapper.Arena(), fdsPtr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
