// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package intr is the interrupt/exception plumbing (spec §4.9): exception
// frame capture, the page-fault router to the COW handler, and timer-tick
// forwarding to the scheduler.
package intr

// Vector names the fixed x86-64 exception vectors this router classifies
// directly; anything else is dispatched generically.
const (
	VectorDivideError  = 0
	VectorDebug        = 1
	VectorBreakpoint   = 3
	VectorInvalidOp    = 6
	VectorDeviceNA     = 7
	VectorDoubleFault  = 8
	VectorGPFault      = 13
	VectorPageFault    = 14
	VectorTimer        = 32
)

// pageFaultWrite/User/Present mirror the bits the CPU pushes in a #PF's
// error code (Intel SDM Vol. 3A §4.7).
const (
	pfPresent = 1 << 0
	pfWrite   = 1 << 1
	pfUser    = 1 << 2
)

// Frame is the captured machine state at exception entry: the vector,
// CPU-pushed error code, faulting address (CR2, only meaningful for #PF),
// and the general-purpose register snapshot the trap stub saved before
// calling into Go. Field order does not matter here — unlike proc.CPUContext,
// nothing in this package assumes a trap-stub memory layout; the stub is
// expected to have already decoded raw register state into this struct.
type Frame struct {
	Vector    int
	ErrorCode uint64
	FaultAddr uint64 // CR2 at entry, valid only when Vector == VectorPageFault
	RIP       uint64
	RSP       uint64
	CS        uint64
}

// WasPresent/WasWrite/WasUser decode a #PF's error code bits.
func (f Frame) WasPresent() bool { return f.ErrorCode&pfPresent != 0 }
func (f Frame) WasWrite() bool   { return f.ErrorCode&pfWrite != 0 }
func (f Frame) WasUser() bool    { return f.ErrorCode&pfUser != 0 }
