// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package elf64_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleuscore/nucleus/pkg/elf64"
)

func buildImage(t *testing.T, segFlags uint32) []byte {
	t.Helper()
	const ehSize, phSize = 64, 56
	buf := make([]byte, ehSize+phSize+16)
	copy(buf[0:5], []byte{0x7F, 'E', 'L', 'F', 2})
	buf[5] = 1 // ELFDATA2LSB
	binary.LittleEndian.PutUint64(buf[24:32], 0x40_1000) // e_entry
	binary.LittleEndian.PutUint64(buf[32:40], ehSize)    // e_phoff
	binary.LittleEndian.PutUint16(buf[54:56], phSize)    // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:58], 1)         // e_phnum

	ph := buf[ehSize : ehSize+phSize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], segFlags)
	binary.LittleEndian.PutUint64(ph[8:16], ehSize+phSize) // p_offset
	binary.LittleEndian.PutUint64(ph[16:24], 0x40_0000)    // p_vaddr
	binary.LittleEndian.PutUint64(ph[32:40], 16)           // p_filesz
	binary.LittleEndian.PutUint64(ph[40:48], 16)           // p_memsz
	return buf
}

func TestLoad_ParsesEntryAndSegment(t *testing.T) {
	img, err := elf64.Load(buildImage(t, 4 /* PF_R */))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40_1000), img.Entry)
	require.Len(t, img.Segments, 1)
	assert.Equal(t, uint64(0x40_0000), img.Segments[0].VirtAddr)
	assert.True(t, img.Segments[0].Perm.Read)
	assert.False(t, img.Segments[0].Perm.Write)
}

func TestLoad_RejectsWriteAndExecuteSegment(t *testing.T) {
	_, err := elf64.Load(buildImage(t, 1|2 /* PF_X|PF_W */))
	assert.Error(t, err)
}

func TestLoad_RejectsBadMagic(t *testing.T) {
	buf := buildImage(t, 4)
	buf[0] = 0
	_, err := elf64.Load(buf)
	assert.Error(t, err)
}
