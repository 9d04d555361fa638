// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/signal"
)

// sysRtSigaction implements rt_sigaction(sig, action, handler_addr, mask)
// -> old_handler_addr | errno (spec §4.5): args[1] is the proc.HandlerAction,
// args[2] the handler entry point, and args[3] the sa_mask.
func sysRtSigaction(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	p, err := d.process(thread)
	if err != nil {
		return 0, err
	}
	sig := int(args[0])
	newHandler := proc.SigHandler{
		Action:  proc.HandlerAction(args[1]),
		Address: args[2],
		Mask:    uint32(args[3]),
	}
	old, err := d.Signals.Sigaction(p, sig, newHandler)
	if err != nil {
		return 0, err
	}
	return old.Address, nil
}

// sysRtSigprocmask implements rt_sigprocmask(how, mask) -> old_mask.
func sysRtSigprocmask(ctx context.Context, d *Dispatcher, thread *proc.TCB, args Args) (uint64, error) {
	old := d.Signals.Sigprocmask(thread, signal.SigHow(args[0]), uint32(args[1]))
	return uint64(old), nil
}
