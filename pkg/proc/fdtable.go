// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"sync"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// MaxFDs is the fixed number of descriptor slots per process (spec §3: "a
// fixed number of descriptor slots").
const MaxFDs = 1024

// OpenFile is the refcounted handle a descriptor table entry points at. The
// VFS behind it — the byte-stream object itself — is an external
// collaborator (spec §1); this is only the lifetime/refcount wrapper the
// core's fd table and dup/fork/exec logic needs.
type OpenFile struct {
	mu   sync.Mutex
	refs int
	// Backing identifies the open-file description to the (out-of-scope)
	// VFS layer — an opaque handle, not interpreted here.
	Backing any
}

func NewOpenFile(backing any) *OpenFile {
	return &OpenFile{refs: 1, Backing: backing}
}

func (f *OpenFile) Ref() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
}

// Unref decrements the refcount and reports whether it reached zero (the
// caller should then release the backing VFS object).
func (f *OpenFile) Unref() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	return f.refs <= 0
}

func (f *OpenFile) RefCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

// FDEntry is one descriptor table slot.
type FDEntry struct {
	File        *OpenFile
	CloseOnExec bool
}

// FDTable is a process's descriptor table — shared by every thread of the
// process, and either shared or deep-copied across fork according to
// clone_files (spec §4.3). refs counts the processes sharing this exact
// table under clone_files, mirroring OpenFile's own refcount: Release only
// unrefs the entries once the last sharer has exited.
type FDTable struct {
	mu      sync.Mutex
	refs    int
	entries [MaxFDs]*FDEntry
}

func NewFDTable() *FDTable { return &FDTable{refs: 1} }

// Install finds the lowest free slot and installs file there.
func (t *FDTable) Install(file *OpenFile, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, e := range t.entries {
		if e == nil {
			t.entries[fd] = &FDEntry{File: file, CloseOnExec: cloexec}
			return fd, nil
		}
	}
	return 0, kernelerrors.Wrap(kernelerrors.KindResourceExhaustion, "proc.FDTable.Install", kernelerrors.ErrOutOfMemory)
}

func (t *FDTable) Get(fd int) (*FDEntry, error) {
	if fd < 0 || fd >= MaxFDs {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "proc.FDTable.Get", "fd %d out of range", fd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[fd]
	if e == nil {
		return nil, kernelerrors.Newf(kernelerrors.KindNotFound, "proc.FDTable.Get", "fd %d is not open", fd)
	}
	return e, nil
}

// Close releases fd's slot, unref'ing the backing open-file.
func (t *FDTable) Close(fd int) error {
	if fd < 0 || fd >= MaxFDs {
		return kernelerrors.Newf(kernelerrors.KindInvalidArgument, "proc.FDTable.Close", "fd %d out of range", fd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[fd]
	if e == nil {
		return kernelerrors.Newf(kernelerrors.KindNotFound, "proc.FDTable.Close", "fd %d is not open", fd)
	}
	e.File.Unref()
	t.entries[fd] = nil
	return nil
}

// CloseExecRange closes every fd marked FD_CLOEXEC, per exec() (spec §4.3).
func (t *FDTable) CloseExecRange() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, e := range t.entries {
		if e != nil && e.CloseOnExec {
			e.File.Unref()
			t.entries[fd] = nil
		}
	}
}

// Fork produces the child's table per clone_files: shareFiles true returns
// the same table pointer (truly shared, refcounted as one object, so this
// bumps refs); false deep-copies the slot array into a fresh table, ref'ing
// each live open-file once more.
func (t *FDTable) Fork(shareFiles bool) *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if shareFiles {
		t.refs++
		return t
	}
	nt := &FDTable{refs: 1}
	for fd, e := range t.entries {
		if e == nil {
			continue
		}
		e.File.Ref()
		nt.entries[fd] = &FDEntry{File: e.File, CloseOnExec: e.CloseOnExec}
	}
	return nt
}

// Release drops this process's share of the table (spec §4.3: the fd table
// is released at Exit). Only once every clone_files sharer has released it
// does it actually unref every remaining open file and clear the slots.
func (t *FDTable) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs--
	if t.refs > 0 {
		return
	}
	for fd, e := range t.entries {
		if e == nil {
			continue
		}
		e.File.Unref()
		t.entries[fd] = nil
	}
}
