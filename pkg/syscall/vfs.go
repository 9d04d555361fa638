// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

// File is the VFS interface consumed by the core (spec §6): open/read/
// write/close/lseek against a byte-stream object. The object itself — a
// real filesystem, a pipe, a device — is an external collaborator outside
// this module's scope; this is only the shape the dispatch table needs to
// drive it.
type File interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// VFS resolves a sanitized path to a File, per spec §6's
// open(path, flags, mode) -> fd | errno. Supplied by the caller assembling
// a Dispatcher; this package has no filesystem of its own.
type VFS interface {
	Open(path string, flags int, mode uint32) (File, error)
}

// Open flag bits, mirroring the POSIX values the ABI note assumes.
const (
	ORdOnly = 0x0
	OWrOnly = 0x1
	ORdWr   = 0x2
	OCreat  = 0x40
	OTrunc  = 0x200
	OAppend = 0x400
)

// Whence values for lseek.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)
