// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

// InitPid is the pid children are reparented to when their parent exits
// (spec §4.3's "init process").
const InitPid Pid = 1

// SignalSender delivers SIGCHLD to a process without this package importing
// pkg/signal (which itself imports proc for PCB/TCB).
type SignalSender interface {
	SendSIGCHLD(target Pid, from Pid)
}

// Exit transitions process to Zombie, reparents its children to init,
// notifies its parent, and releases every thread of the process but leaves
// the PCB itself in the table until Wait reaps it (spec §4.3).
func (k *Kernel) Exit(process *PCB, exitCode int, signals SignalSender) {
	process.mu.Lock()
	process.State = ProcZombie
	process.ExitCode = exitCode
	process.mu.Unlock()

	for _, childPid := range process.ChildrenSnapshot() {
		if child, ok := k.Processes.Get(childPid); ok {
			child.mu.Lock()
			child.PPid = InitPid
			child.mu.Unlock()
			if init, ok := k.Processes.Get(InitPid); ok {
				init.AddChild(childPid)
			}
		}
	}
	process.mu.Lock()
	process.Children = nil
	process.mu.Unlock()

	for _, tid := range process.ThreadsSnapshot() {
		if t, ok := k.Threads.Get(tid); ok {
			t.mu.Lock()
			t.State = ThreadDead
			t.mu.Unlock()
			close(t.Done)
		}
		// Drop the TCB from the global table so its kernel stack (an
		// ordinary Go slice, not a physical frame) becomes unreferenced and
		// collectible; the PCB itself stays for Wait to reap.
		k.Threads.Remove(tid)
	}

	// Release the resources spec §4.3 says die with the process: the
	// address space (frame-for-frame, respecting any still-live COW
	// sharers) and this process's share of the fd table. Only the PCB
	// survives, for Wait to reap.
	if process.AddressSpace != nil {
		if err := process.AddressSpace.Destroy(process.COW); err != nil {
			k.logger.Error(err, "failed to release address space on exit", "pid", process.Pid)
		}
	}
	if process.FDs != nil {
		process.FDs.Release()
	}

	if k.Limits != nil {
		k.Limits.RecordProcessExited(process.Creds.Uid)
	}

	if parent, ok := k.Processes.Get(process.PPid); ok {
		if signals != nil {
			signals.SendSIGCHLD(process.PPid, process.Pid)
		}
		parent.notifyWaiters()
	}
}
