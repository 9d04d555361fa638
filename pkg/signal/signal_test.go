// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package signal_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/signal"
)

func newTestDelivery(t *testing.T) (*signal.Delivery, *proc.ProcessTable, *proc.ThreadTable) {
	t.Helper()
	processes := proc.NewProcessTable(logr.Discard())
	threads := proc.NewThreadTable(logr.Discard())
	return signal.New(processes, threads), processes, threads
}

func registerProcess(t *testing.T, processes *proc.ProcessTable, threads *proc.ThreadTable, pid proc.Pid, uid uint32) (*proc.PCB, *proc.TCB) {
	t.Helper()
	p := &proc.PCB{
		Pid:     pid,
		PPid:    proc.NoPid,
		Creds:   proc.Credentials{Uid: uid, Euid: uid},
		Signals: &proc.ProcessSignalState{},
	}
	require.NoError(t, processes.Register(p))
	tcb := &proc.TCB{
		Tid:     proc.Tid(pid),
		Pid:     pid,
		Signals: &proc.ThreadSignalState{},
		Done:    make(chan struct{}),
	}
	require.NoError(t, threads.Register(tcb))
	p.AddThread(tcb.Tid)
	return p, tcb
}

func TestSigaction_RejectsSIGKILLAndSIGSTOP(t *testing.T) {
	d, processes, threads := newTestDelivery(t)
	p, _ := registerProcess(t, processes, threads, 1, 0)

	_, err := d.Sigaction(p, signal.SIGKILL, proc.SigHandler{Action: proc.ActionIgnore})
	require.Error(t, err)
	_, err = d.Sigaction(p, signal.SIGSTOP, proc.SigHandler{Action: proc.ActionIgnore})
	require.Error(t, err)
}

func TestSigaction_InstallsAndReturnsPrevious(t *testing.T) {
	d, processes, threads := newTestDelivery(t)
	p, _ := registerProcess(t, processes, threads, 1, 0)

	old, err := d.Sigaction(p, signal.SIGTERM, proc.SigHandler{Action: proc.ActionHandler, Address: 0x4000})
	require.NoError(t, err)
	require.Equal(t, proc.ActionDefault, old.Action)

	old2, err := d.Sigaction(p, signal.SIGTERM, proc.SigHandler{Action: proc.ActionIgnore})
	require.NoError(t, err)
	require.Equal(t, proc.ActionHandler, old2.Action)
	require.Equal(t, uint64(0x4000), old2.Address)
}

func TestSigprocmask_CannotBlockSIGKILLOrSIGSTOP(t *testing.T) {
	d, _, _ := newTestDelivery(t)
	tcb := &proc.TCB{Signals: &proc.ThreadSignalState{}}

	d.Sigprocmask(tcb, signal.SigSetMask, ^uint32(0))
	_, blocked := tcb.Signals.Snapshot()
	require.Zero(t, blocked&(1<<uint(signal.SIGKILL)))
	require.Zero(t, blocked&(1<<uint(signal.SIGSTOP)))
}

func TestKill_RequiresMatchingUidOrRoot(t *testing.T) {
	d, processes, threads := newTestDelivery(t)
	_, target := registerProcess(t, processes, threads, 2, 1000)
	_ = target

	err := d.Kill(2000, 2, signal.SIGTERM)
	require.Error(t, err)

	err = d.Kill(1000, 2, signal.SIGTERM)
	require.NoError(t, err)

	err = d.Kill(0, 2, signal.SIGTERM)
	require.NoError(t, err)
}

func TestComputeDelivery_PicksLowestNumberedUnblockedSignal(t *testing.T) {
	d, processes, threads := newTestDelivery(t)
	p, tcb := registerProcess(t, processes, threads, 3, 0)

	tcb.Signals.SetPending(signal.SIGTERM)
	tcb.Signals.SetPending(signal.SIGINT)
	tcb.Signals.SetBlocked(1 << uint(signal.SIGINT))

	action := d.ComputeDelivery(p, tcb)
	require.Equal(t, signal.SIGTERM, action.Signal)

	pending, _ := tcb.Signals.Snapshot()
	require.Zero(t, pending&(1<<uint(signal.SIGTERM)))
}

func TestComputeDelivery_NoneWhenAllBlocked(t *testing.T) {
	d, processes, threads := newTestDelivery(t)
	p, tcb := registerProcess(t, processes, threads, 4, 0)

	tcb.Signals.SetPending(signal.SIGTERM)
	tcb.Signals.SetBlocked(1 << uint(signal.SIGTERM))

	action := d.ComputeDelivery(p, tcb)
	require.Equal(t, signal.KindNone, action.Kind)
}

func TestSendSIGCHLD_SetsPendingOnParentThreads(t *testing.T) {
	d, processes, threads := newTestDelivery(t)
	parent, parentThread := registerProcess(t, processes, threads, 1, 0)
	_, _ = registerProcess(t, processes, threads, 2, 0)

	d.SendSIGCHLD(parent.Pid, 2)

	pending, _ := parentThread.Signals.Snapshot()
	require.NotZero(t, pending&(1<<uint(signal.SIGCHLD)))
}
