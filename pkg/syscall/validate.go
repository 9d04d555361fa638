// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/mm/vma"
)

// Per-call maxima from spec §4.8: a syscall whose requested length exceeds
// these is rejected before any copy is attempted.
const (
	MaxReadSize  = 1 << 20
	MaxWriteSize = 1 << 20
	MaxPathLen   = 4096

	pageSize = 4096
)

// ValidateUserRange checks that [ptr, ptr+length) lies entirely in the
// caller's user half, is mapped, and grants at least the requested
// permissions, per spec §4.8's "every pointer from user space is validated
// before dereference". limit bounds length against the call's own maximum
// (MaxReadSize, MaxWriteSize, ...).
func ValidateUserRange(as *paging.AddressSpace, vmas *vma.List, ptr, length, limit uint64, write bool) error {
	if length > limit {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.ValidateUserRange", "length %d exceeds maximum %d", length, limit)
	}
	if length == 0 {
		return nil
	}
	if !paging.IsCanonical(ptr) || !paging.IsCanonical(ptr+length-1) {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "syscall.ValidateUserRange", kernelerrors.ErrNonCanonicalAddress)
	}

	v, ok := vmas.Find(ptr)
	if !ok || ptr+length > v.End {
		return kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "syscall.ValidateUserRange", kernelerrors.ErrNotMapped)
	}
	if !v.Flags.User {
		return kernelerrors.Wrap(kernelerrors.KindPermission, "syscall.ValidateUserRange", kernelerrors.ErrPermissionDenied)
	}
	if write && !v.Flags.Write {
		return kernelerrors.Wrap(kernelerrors.KindPermission, "syscall.ValidateUserRange", kernelerrors.ErrPermissionDenied)
	}
	if !write && !v.Flags.Read {
		return kernelerrors.Wrap(kernelerrors.KindPermission, "syscall.ValidateUserRange", kernelerrors.ErrPermissionDenied)
	}

	for addr := pageFloor(ptr); addr < ptr+length; addr += pageSize {
		if _, err := as.Translate(addr); err != nil {
			return kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.ValidateUserRange", kernelerrors.ErrNotMapped)
		}
	}
	return nil
}

func pageFloor(addr uint64) uint64 { return addr &^ (pageSize - 1) }

// CopyInString reads a NUL-terminated string from user space, bounded by
// maxLen, translating each byte's address as it scans rather than trusting a
// caller-declared length (spec §4.8: "strings are copied in via a bounded
// scan").
func CopyInString(as *paging.AddressSpace, arena []byte, ptr uint64, maxLen int) (string, error) {
	if !paging.IsCanonical(ptr) {
		return "", kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "syscall.CopyInString", kernelerrors.ErrNonCanonicalAddress)
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		phys, err := as.Translate(ptr + uint64(i))
		if err != nil {
			return "", kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.CopyInString", kernelerrors.ErrNotMapped)
		}
		if phys >= uint64(len(arena)) {
			return "", kernelerrors.Wrap(kernelerrors.KindInvalidArgument, "syscall.CopyInString", kernelerrors.ErrNonCanonicalAddress)
		}
		b := arena[phys]
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.CopyInString", "string exceeds %d bytes unterminated", maxLen)
}

// CopyIn/CopyOut move length bytes between the caller's address space and a
// kernel-side buffer, walking the mapping byte by byte (pages are not
// necessarily contiguous in the arena).
func CopyIn(as *paging.AddressSpace, arena []byte, ptr uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		phys, err := as.Translate(ptr + uint64(i))
		if err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.CopyIn", kernelerrors.ErrNotMapped)
		}
		out[i] = arena[phys]
	}
	return out, nil
}

func CopyOut(as *paging.AddressSpace, arena []byte, ptr uint64, data []byte) error {
	for i, b := range data {
		phys, err := as.Translate(ptr + uint64(i))
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindNotFound, "syscall.CopyOut", kernelerrors.ErrNotMapped)
		}
		arena[phys] = b
	}
	return nil
}
