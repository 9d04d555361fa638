// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package hal is the hardware-abstraction layer: the only place the rest of
// the kernel is allowed to reason about port I/O, MSRs, control registers,
// CPUID, TLB invalidation, the timestamp counter, descriptor-table loads,
// and interrupt-flag save/restore. Every other package imports hal instead
// of touching any of that directly.
package hal

// HAL is implemented once per backing model. This package ships two
// implementations, Simulated and the no-op Null; a future bare-metal
// implementation would satisfy the same interface from real inline assembly.
type HAL interface {
	// In8/In16/In32 read a byte/word/dword from an I/O port. Out8/Out16/Out32
	// write one. Clobbers: none (register-to-register on real hardware);
	// these are not memory operations and carry no ordering guarantee with
	// respect to prior stores — callers that need ordering must fence first.
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	Out32(port uint16, v uint32)

	// ReadMSR/WriteMSR access a model-specific register by index. Clobbers:
	// rdx:rax on real hardware (rdmsr/wrmsr); serializing with respect to
	// prior writes to the same MSR, not with respect to memory operations.
	ReadMSR(index uint32) uint64
	WriteMSR(index uint32, v uint64)

	// ReadCR/WriteCR access CR0, CR2, CR3, or CR4 by index (0,2,3,4).
	// Writing CR3 is a full TLB flush on real hardware (global pages excepted
	// per CR4.PGE); WriteCR is never the path for a single-page invalidate —
	// use InvalidatePage for that.
	ReadCR(n int) uint64
	WriteCR(n int, v uint64)

	// CPUID returns eax,ebx,ecx,edx for the given leaf/subleaf. No memory or
	// ordering effects; purely informational.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// InvalidatePage flushes a single TLB entry for virt on the local CPU
	// (invlpg). Must be called with interrupts disabled if invoked from an
	// IPI handler that itself runs with interrupts masked.
	InvalidatePage(virt uint64)

	// RDTSC returns the raw timestamp-counter value. Not serializing by
	// itself; callers needing a serializing read should bracket with CPUID.
	RDTSC() uint64

	// LoadIDT/LoadGDT/LoadTR install the interrupt descriptor table, global
	// descriptor table, and task register. Clobbers: none beyond the table
	// registers themselves; must run with interrupts disabled.
	LoadIDT(base uint64, limit uint16)
	LoadGDT(base uint64, limit uint16)
	LoadTR(selector uint16)

	// SaveFlags/RestoreFlags mirror pushfq/popfq: SaveFlags returns the
	// current rflags value (and, as a convenience, disables interrupts as
	// the kernel's IRQ-disabling spinlock requires); RestoreFlags restores a
	// previously saved value including its interrupt-enable bit.
	SaveFlags() uint64
	RestoreFlags(flags uint64)

	// CAS64/Xadd64/Xchg64 are the atomic primitives the spec calls out
	// (cmpxchg/xadd/xchg) as requiring HAL isolation. The Simulated
	// implementation is a thin wrapper over sync/atomic; a bare-metal
	// implementation would use the corresponding lock-prefixed instructions.
	CAS64(addr *uint64, old, new uint64) bool
	Xadd64(addr *uint64, delta int64) uint64
	Xchg64(addr *uint64, new uint64) uint64
}

// InterruptsEnabled reports whether bit 9 (IF) is set in a saved flags word.
func InterruptsEnabled(flags uint64) bool {
	return flags&(1<<9) != 0
}
