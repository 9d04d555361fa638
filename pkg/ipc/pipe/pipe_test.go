// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/ipc/pipe"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	p, err := pipe.New(16)
	require.NoError(t, err)

	n, err := p.TryWrite([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, eof := p.TryRead(buf)
	require.False(t, eof)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestTryWrite_PartialOnFullBuffer(t *testing.T) {
	p, err := pipe.New(4)
	require.NoError(t, err)

	n, err := p.TryWrite([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 4, n) // only capacity bytes accepted, no overwrite
}

func TestTryWrite_BrokenPipeWithNoReaders(t *testing.T) {
	p, err := pipe.New(16)
	require.NoError(t, err)
	p.CloseReader()

	_, err = p.TryWrite([]byte("x"))
	require.Error(t, err)
}

func TestTryRead_EOFAfterLastWriterCloses(t *testing.T) {
	p, err := pipe.New(16)
	require.NoError(t, err)
	p.CloseWriter()

	buf := make([]byte, 4)
	n, eof := p.TryRead(buf)
	require.Zero(t, n)
	require.True(t, eof)
}

func TestTryRead_EmptyNotEOFWhileWriterOpen(t *testing.T) {
	p, err := pipe.New(16)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, eof := p.TryRead(buf)
	require.Zero(t, n)
	require.False(t, eof)
}

func TestWrapAroundPreservesOrder(t *testing.T) {
	p, err := pipe.New(4)
	require.NoError(t, err)

	_, _ = p.TryWrite([]byte("ab"))
	buf := make([]byte, 2)
	_, _ = p.TryRead(buf) // drain "ab", head now at 2

	_, err = p.TryWrite([]byte("cdef")) // wraps around the 4-byte buffer
	require.NoError(t, err)

	out := make([]byte, 4)
	n, _ := p.TryRead(out)
	require.Equal(t, 4, n)
	require.Equal(t, "cdef", string(out))
}
