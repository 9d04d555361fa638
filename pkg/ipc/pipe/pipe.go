// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pipe is a half-page-aligned bounded byte ring buffer (spec
// §4.6): block-or-reject on full/empty rather than the overwrite-oldest
// semantics a metrics ring buffer wants, EOF on last-writer-close, EPIPE on
// write-with-no-readers.
package pipe

import (
	"sync"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// DefaultCapacity is the default pipe buffer size (spec §4.6: "default
// 64 KiB"), half-page-aligned per the same section.
const DefaultCapacity = 64 * 1024

// Pipe is a bounded byte ring buffer with capacity-respecting semantics:
// unlike the teacher's overwrite-oldest RingBuffer[T] (right for a
// most-recent-N metrics window), a pipe must block or reject instead of
// silently dropping bytes, so this is a rewrite of that structure's layout
// (data/head/size) with Try* methods returning false on full/empty instead
// of overwriting.
type Pipe struct {
	mu   sync.Mutex
	data []byte
	head int // next write position
	size int // bytes currently buffered

	readers, writers int
	readerClosed     bool
}

// New creates a pipe with the given capacity (use DefaultCapacity absent a
// specific requirement). Both ends start with one reference; callers
// adjust via AddReader/AddWriter/CloseReader/CloseWriter as fds are
// duplicated and closed.
func New(capacity int) (*Pipe, error) {
	if capacity <= 0 {
		return nil, kernelerrors.Newf(kernelerrors.KindInvalidArgument, "pipe.New", "capacity must be positive, got %d", capacity)
	}
	return &Pipe{data: make([]byte, capacity), readers: 1, writers: 1}, nil
}

func (p *Pipe) AddReader() { p.mu.Lock(); p.readers++; p.mu.Unlock() }
func (p *Pipe) AddWriter() { p.mu.Lock(); p.writers++; p.mu.Unlock() }

func (p *Pipe) CloseReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers--
}

func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers--
}

func (p *Pipe) Cap() int { return cap(p.data) }

func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// TryWrite copies as much of buf as fits into the remaining capacity,
// returning the number of bytes accepted. Returns ErrBrokenPipe if there
// are no readers left (spec §4.6: "write to a pipe with no readers fails
// with EPIPE"); the caller is responsible for sending SIGPIPE.
func (p *Pipe) TryWrite(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers == 0 {
		return 0, kernelerrors.Wrap(kernelerrors.KindBrokenChannel, "pipe.TryWrite", kernelerrors.ErrBrokenPipe)
	}
	free := cap(p.data) - p.size
	n := len(buf)
	if n > free {
		n = free
	}
	writeAt := (p.head + p.size) % cap(p.data)
	for i := 0; i < n; i++ {
		p.data[(writeAt+i)%cap(p.data)] = buf[i]
	}
	p.size += n
	return n, nil
}

// TryRead copies up to len(buf) buffered bytes into buf, returning the
// number read. Returns (0, true) once every writer has
// closed and the buffer has drained (spec §4.6: "read return 0 (EOF)").
func (p *Pipe) TryRead(buf []byte) (n int, eof bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size == 0 {
		return 0, p.writers == 0
	}
	n = len(buf)
	if n > p.size {
		n = p.size
	}
	for i := 0; i < n; i++ {
		buf[i] = p.data[(p.head+i)%cap(p.data)]
	}
	p.head = (p.head + n) % cap(p.data)
	p.size -= n
	return n, false
}
