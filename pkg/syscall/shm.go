// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/ipc/shm"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// IpcRmid mirrors IPC_RMID, the only shmctl command this core implements
// (spec §4.6 names no others).
const IpcRmid = 0

func sysShmget(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	key, size, flags := uint32(args[0]), args[1], int(args[2])
	seg, err := d.Shm.Get(key, size, flags)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.shmSegments[key] = seg
	d.mu.Unlock()
	return uint64(key), nil
}

func sysShmat(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	key, virt, writable := uint32(args[0]), args[1], args[2] != 0
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	seg, ok := d.shmSegments[key]
	d.mu.Unlock()
	if !ok {
		return 0, kernelerrors.Newf(kernelerrors.KindNotFound, "syscall.sysShmat", "no segment for key %d", key)
	}
	if err := shm.Attach(d.Kernel.Mapper, p, seg, virt, writable); err != nil {
		return 0, err
	}
	return virt, nil
}

func sysShmctl(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	key, cmd := uint32(args[0]), int(args[1])
	d.mu.Lock()
	seg, ok := d.shmSegments[key]
	d.mu.Unlock()
	if !ok {
		return 0, kernelerrors.Newf(kernelerrors.KindNotFound, "syscall.sysShmctl", "no segment for key %d", key)
	}
	switch cmd {
	case IpcRmid:
		if err := d.Shm.IPCRmid(seg); err != nil {
			return 0, err
		}
		d.mu.Lock()
		delete(d.shmSegments, key)
		d.mu.Unlock()
		return 0, nil
	default:
		return 0, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.sysShmctl", "unsupported shmctl command %d", cmd)
	}
}
