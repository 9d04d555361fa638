// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"context"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// Wait implements spec §4.3's wait(pid): pid == NoPid matches any child.
// A zombie child is reaped immediately (its PCB and threads freed from the
// tables, status returned). Otherwise the caller blocks until a watched
// child exits or ctx is done.
func (k *Kernel) Wait(ctx context.Context, parent *PCB, pid Pid) (Pid, int, error) {
	for {
		reaped, exitCode, found, anyMatch := k.tryReap(parent, pid)
		if found {
			return reaped, exitCode, nil
		}
		if !anyMatch {
			return NoPid, 0, kernelerrors.Newf(kernelerrors.KindNotFound, "proc.Wait", "no matching child for pid %d", pid)
		}

		parent.mu.Lock()
		parent.State = ProcSleeping
		parent.WaitPid = pid
		parent.mu.Unlock()

		select {
		case <-parent.waitChan():
		case <-ctx.Done():
			parent.mu.Lock()
			parent.State = ProcRunning
			parent.mu.Unlock()
			return NoPid, 0, kernelerrors.Wrap(kernelerrors.KindTimedOut, "proc.Wait", ctx.Err())
		}

		parent.mu.Lock()
		parent.State = ProcRunning
		parent.mu.Unlock()
	}
}

// tryReap scans parent's children once. found reports a reaped zombie;
// anyMatch reports whether any child still matches pid's selection
// criteria (so the caller can distinguish "keep waiting" from "no such
// child").
func (k *Kernel) tryReap(parent *PCB, pid Pid) (reaped Pid, exitCode int, found, anyMatch bool) {
	for _, childPid := range parent.ChildrenSnapshot() {
		if pid != NoPid && childPid != pid {
			continue
		}
		child, ok := k.Processes.Get(childPid)
		if !ok {
			continue
		}
		anyMatch = true

		child.mu.Lock()
		isZombie := child.State == ProcZombie
		code := child.ExitCode
		child.mu.Unlock()

		if isZombie {
			k.Processes.Remove(childPid)
			parent.RemoveChild(childPid)
			return childPid, code, true, true
		}
	}
	return NoPid, 0, false, anyMatch
}
