// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package signal

import (
	"encoding/binary"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
)

// Frame is the saved context a handler invocation pushes below the current
// user stack pointer, so the trampoline's sigreturn can restore it exactly
// (spec §4.5: "arrange a frame containing the prior context").
type Frame struct {
	Prior proc.CPUContext
	Info  Info
}

const frameSize = 8 * (16 + 2 + 6) // 24 words: room for the 20 writeFrame stores (15 GPRs, rip, rsp, rflags, cs, ss); Info is not written

// Deliver builds the handler-invocation stack frame below thread's current
// rsp, rewrites thread.Context so it resumes at the handler with the
// trampoline's return address on the stack, per spec §4.5. trampolineAddr
// is the fixed user-mapped address of the sigreturn trampoline (installed
// once per process at exec time).
func Deliver(mapper *paging.Mapper, process *proc.PCB, thread *proc.TCB, action Action, trampolineAddr uint64) error {
	if action.Kind != KindHandler {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "signal.Deliver", "action kind %d is not a handler delivery", action.Kind)
	}

	prior := thread.Context
	rsp := (prior.RSP - uint64(frameSize)) &^ 0xF
	rsp -= 8 // room for the trampoline return address, keeping the handler's entry rsp%16==8 per the SysV call convention

	phys, err := process.AddressSpace.Translate(rsp)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindNotFound, "signal.Deliver", err)
	}
	arena := mapper.Arena()

	binary.LittleEndian.PutUint64(arena[phys:], trampolineAddr)
	writeFrame(arena, phys+8, prior, action)

	thread.Context.RIP = action.Handler.Address
	thread.Context.RSP = rsp
	thread.Context.RDI = uint64(action.Signal)
	return nil
}

func writeFrame(arena []byte, at uint64, prior proc.CPUContext, action Action) {
	vals := []uint64{
		prior.RAX, prior.RBX, prior.RCX, prior.RDX,
		prior.RSI, prior.RDI, prior.RBP,
		prior.R8, prior.R9, prior.R10, prior.R11,
		prior.R12, prior.R13, prior.R14, prior.R15,
		prior.RIP, prior.RSP, prior.RFLAGS,
		uint64(prior.CS), uint64(prior.SS),
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(arena[at+uint64(i*8):], v)
	}
}

// Restore reconstructs the pre-signal CPUContext from a frame previously
// written by Deliver, for the sigreturn syscall handler.
func Restore(mapper *paging.Mapper, process *proc.PCB, frameAddr uint64) (proc.CPUContext, error) {
	phys, err := process.AddressSpace.Translate(frameAddr)
	if err != nil {
		return proc.CPUContext{}, kernelerrors.Wrap(kernelerrors.KindNotFound, "signal.Restore", err)
	}
	arena := mapper.Arena()
	read := func(i int) uint64 { return binary.LittleEndian.Uint64(arena[phys+uint64(i*8):]) }
	return proc.CPUContext{
		RAX: read(0), RBX: read(1), RCX: read(2), RDX: read(3),
		RSI: read(4), RDI: read(5), RBP: read(6),
		R8: read(7), R9: read(8), R10: read(9), R11: read(10),
		R12: read(11), R13: read(12), R14: read(13), R15: read(14),
		RIP: read(15), RSP: read(16), RFLAGS: read(17),
		CS: uint16(read(18)), SS: uint16(read(19)),
	}, nil
}
