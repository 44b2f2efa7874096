// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionFileName(t *testing.T) {
	assert.Equal(t, "region_7a0000001000.bin", RegionFileName(0x7a0000001000))
	assert.Equal(t, "region_ff.bin", RegionFileName(0xff))
}

func TestDispatchDefaults(t *testing.T) {
	dir := t.TempDir()
	in := Dispatch{
		KernelName:  "saxpy",
		KernargSize: 24,
		GridSize:    Dim3{X: 1024},
		WorkgroupSize: Dim3{
			X: 256,
		},
	}
	require.NoError(t, WriteJSON(dir, DispatchFile, &in))

	out, err := ReadDispatch(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), out.GridSize.X)
	assert.Equal(t, uint32(1), out.GridSize.Y)
	assert.Equal(t, uint32(1), out.GridSize.Z)
	assert.Equal(t, uint32(1), out.WorkgroupSize.Y)
	assert.Equal(t, uint32(1), out.WorkgroupSize.Z)
}

func TestReadDispatchRejectsZeroKernarg(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteJSON(dir, DispatchFile, &Dispatch{KernelName: "k"}))
	_, err := ReadDispatch(dir)
	require.ErrorContains(t, err, "kernarg_size")
}

func TestReadRegionsRejectsOverlap(t *testing.T) {
	dir := t.TempDir()
	rs := Regions{Regions: []Region{
		{Base: 0x1000, Size: 0x2000},
		{Base: 0x2000, Size: 0x1000},
	}}
	require.NoError(t, WriteJSON(dir, RegionsFile, &rs))
	_, err := ReadRegions(dir)
	require.ErrorContains(t, err, "overlap")
}

func TestReadRegionsRejectsZeroSize(t *testing.T) {
	dir := t.TempDir()
	rs := Regions{Regions: []Region{{Base: 0x1000}}}
	require.NoError(t, WriteJSON(dir, RegionsFile, &rs))
	_, err := ReadRegions(dir)
	require.ErrorContains(t, err, "zero size")
}

func TestReadRegionsDisjointOK(t *testing.T) {
	dir := t.TempDir()
	rs := Regions{Regions: []Region{
		{Base: 0x1000, Size: 0x1000},
		{Base: 0x2000, Size: 0x1000},
		{Base: 0x4000, Size: 0x100},
	}}
	require.NoError(t, WriteJSON(dir, RegionsFile, &rs))
	got, err := ReadRegions(dir)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRegionPayloadRaw(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, MemoryDir), 0o755))

	data := []byte{1, 2, 3, 4}
	compressed, err := WriteRegionPayload(dir, 0xabc, data, false)
	require.NoError(t, err)
	assert.False(t, compressed)

	r := Region{Base: 0xabc, Size: 4}
	got, err := ReadRegionPayload(dir, &r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRegionPayloadCompressed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, MemoryDir), 0o755))

	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 7)
	}
	compressed, err := WriteRegionPayload(dir, 0x7a0000000000, data, true)
	require.NoError(t, err)
	require.True(t, compressed)

	// The raw file must not exist, only the compressed one.
	_, err = os.Stat(filepath.Join(dir, MemoryDir, RegionFileName(0x7a0000000000)))
	require.True(t, os.IsNotExist(err))

	r := Region{Base: 0x7a0000000000, Size: uint64(len(data)), Compressed: true}
	got, err := ReadRegionPayload(dir, &r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRegionPayloadSmallStaysRaw(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, MemoryDir), 0o755))

	data := []byte{9, 9, 9}
	compressed, err := WriteRegionPayload(dir, 0x10, data, true)
	require.NoError(t, err)
	assert.False(t, compressed)
}

func TestReadRegionPayloadSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, MemoryDir), 0o755))
	_, err := WriteRegionPayload(dir, 0x20, []byte{1, 2}, false)
	require.NoError(t, err)

	r := Region{Base: 0x20, Size: 8}
	_, err = ReadRegionPayload(dir, &r)
	require.ErrorContains(t, err, "expected 8")
}

func TestReadKernarg(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KernargFile),
		make([]byte, 24), 0o644))

	got, err := ReadKernarg(dir, 24)
	require.NoError(t, err)
	assert.Len(t, got, 24)

	_, err = ReadKernarg(dir, 32)
	require.ErrorContains(t, err, "expected 32")
}

func TestChecksumStable(t *testing.T) {
	a := Checksum([]byte("abc"))
	b := Checksum([]byte("abc"))
	c := Checksum([]byte("abd"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
