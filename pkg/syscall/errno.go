// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syscall is the dispatch layer: a vector-indexed handler table,
// user-pointer validation, bounded string copy-in, path sanitization, and
// the errno mapping spec §4.8 specifies literally.
package syscall

import (
	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// Errno values are the literal table from spec §4.8.
const (
	EPERM   = 1
	ENOENT  = 2
	EIO     = 5
	EBADF   = 9
	EAGAIN  = 11
	ENOMEM  = 12
	EACCES  = 13
	EEXIST  = 17
	ENOTDIR = 20
	EISDIR  = 21
	EINVAL  = 22
	ENOSPC  = 28
	EROFS   = 30
	EPIPE   = 32
	ENOTEMPTY = 39
)

// errnoTable maps the abstract error Kind to its default errno, per spec
// §4.8. A handler that needs a call-specific mapping overrides it with
// kernelerrors.WithErrno; this table is the fallback.
var errnoTable = map[kernelerrors.Kind]int{
	kernelerrors.KindResourceExhaustion: ENOMEM,
	kernelerrors.KindPermission:         EACCES,
	kernelerrors.KindInvalidArgument:    EINVAL,
	kernelerrors.KindNotFound:           ENOENT,
	kernelerrors.KindStateConflict:      EEXIST,
	kernelerrors.KindWouldBlock:         EAGAIN,
	kernelerrors.KindBrokenChannel:      EPIPE,
}

// Errno converts err to its errno, honoring an explicit WithErrno override
// first, falling back to errnoTable by Kind, and EIO for anything
// unrecognized (spec §4.8's catch-all).
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var ke *kernelerrors.KernelError
	if kernelerrors.As(err, &ke) {
		if n, ok := ke.Errno(); ok {
			return n
		}
		if n, ok := errnoTable[ke.Kind]; ok {
			return n
		}
	}
	return EIO
}

// Result encodes a syscall's return per spec §4.8: success is the
// non-negative value, failure is -errno as a two's-complement uint64.
func Result(value uint64, err error) uint64 {
	if err != nil {
		return uint64(-int64(Errno(err)))
	}
	return value
}
