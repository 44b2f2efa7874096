// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsatrace/kernel-isolate/artifact"
	"github.com/hsatrace/kernel-isolate/hsa"
	"github.com/hsatrace/kernel-isolate/hsa/hsatest"
)

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skipf("fake device memory requires linux, running on %s", runtime.GOOS)
	}
}

func TestAlignRegions(t *testing.T) {
	page := uint64(os.Getpagesize())
	regions := []artifact.Region{
		{Base: 0x7a0000000010, Size: 24},
		{Base: 0x7a0000002000, Size: 2 * page},
		{Base: 0x7a0000004ff0, Size: 0x20},
	}
	aligned := alignRegions(regions)
	require.Len(t, aligned, 3)

	assert.Equal(t, uint64(0x7a0000000000), aligned[0].AlignedBase)
	assert.Equal(t, page, aligned[0].AlignedSize)
	assert.Equal(t, uint64(0x10), aligned[0].Offset)

	assert.Equal(t, uint64(0x7a0000002000), aligned[1].AlignedBase)
	assert.Equal(t, 2*page, aligned[1].AlignedSize)
	assert.Equal(t, uint64(0), aligned[1].Offset)

	// A region straddling a page boundary needs both pages.
	assert.Equal(t, uint64(0x7a0000004000), aligned[2].AlignedBase)
	assert.Equal(t, 2*page, aligned[2].AlignedSize)
	assert.Equal(t, uint64(0xff0), aligned[2].Offset)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(relocationError(&alignedRegion{}, 0x1)))
	assert.Equal(t, 1, ExitCode(ErrBackingPoolMissing))
	assert.Equal(t, 1, ExitCode(ErrCopyFailed))
	assert.Equal(t, 1, ExitCode(ErrDispatchTimeout))
}

func TestDispatchSetupDims(t *testing.T) {
	d := &artifact.Dispatch{GridSize: artifact.Dim3{X: 64, Y: 1, Z: 1}}
	assert.Equal(t, uint16(1), dispatchSetup(d))
	d.GridSize.Y = 4
	assert.Equal(t, uint16(2), dispatchSetup(d))
	d.GridSize.Z = 2
	assert.Equal(t, uint16(3), dispatchSetup(d))
}

func TestSelectBackingPoolPrefersFineGrained(t *testing.T) {
	requireLinux(t)
	f := hsatest.New()
	require.NoError(t, f.Init())
	t.Cleanup(func() { _ = f.Shutdown() })

	agent, err := firstGPUAgent(f)
	require.NoError(t, err)

	pool, err := selectBackingPool(f, agent)
	require.NoError(t, err)
	flags, err := f.PoolGlobalFlags(pool)
	require.NoError(t, err)
	assert.NotZero(t, flags&hsa.PoolGlobalFlagFineGrained, "expected a fine-grained pool")
}

func TestPlaceholderMapping(t *testing.T) {
	requireLinux(t)
	const addr = uint64(0x7b00_0000_0000)
	const size = uint64(1 << 20)

	require.NoError(t, mapPlaceholder(addr, size))
	// The range is occupied now: mapping it again must refuse.
	require.Error(t, mapPlaceholder(addr, size))
	require.NoError(t, unmapPlaceholder(addr, size))
	// And free again afterwards.
	require.NoError(t, mapPlaceholder(addr, size))
	require.NoError(t, unmapPlaceholder(addr, size))
}

// writeMinimalCapture fabricates a capture directory with one region.
func writeMinimalCapture(t *testing.T, base uint64, payload []byte) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, artifact.MemoryDir), 0o755))

	require.NoError(t, artifact.WriteJSON(dir, artifact.DispatchFile, &artifact.Dispatch{
		KernelName:    hsatest.SaxpyKernel + ".kd",
		KernargSize:   hsatest.SaxpyKernargLen,
		GridSize:      artifact.Dim3{X: 1, Y: 1, Z: 1},
		WorkgroupSize: artifact.Dim3{X: 1, Y: 1, Z: 1},
	}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.KernargFile),
		make([]byte, hsatest.SaxpyKernargLen), 0o644))

	_, err := artifact.WriteRegionPayload(dir, base, payload, false)
	require.NoError(t, err)
	require.NoError(t, artifact.WriteJSON(dir, artifact.RegionsFile, &artifact.Regions{
		Regions: []artifact.Region{{
			Base: base, Size: uint64(len(payload)), IsPool: true,
			XXH3: artifact.Checksum(payload),
		}},
	}))
	return dir
}

func TestRunReserveOnly(t *testing.T) {
	requireLinux(t)
	dir := writeMinimalCapture(t, 0x7b40_0000_0000, []byte{1, 2, 3, 4})

	f := hsatest.New()
	require.NoError(t, Run(f, Options{Dir: dir, ReserveOnly: true, Timeout: time.Second}))
}

func TestRunDryRunRestoresAndStops(t *testing.T) {
	requireLinux(t)
	dir := writeMinimalCapture(t, 0x7b40_0000_0000, []byte{9, 8, 7, 6})

	// No kernel.hsaco exists; a dry run must still succeed because it
	// never reaches the load stage.
	f := hsatest.New()
	require.NoError(t, Run(f, Options{Dir: dir, DryRun: true, Timeout: time.Second}))
}

func TestRunChecksumMismatch(t *testing.T) {
	requireLinux(t)
	dir := writeMinimalCapture(t, 0x7b40_0000_0000, []byte{1, 2, 3, 4})

	// Corrupt the payload after the checksum was recorded.
	name := filepath.Join(dir, artifact.MemoryDir, artifact.RegionFileName(0x7b40_0000_0000))
	require.NoError(t, os.WriteFile(name, []byte{4, 3, 2, 1}, 0o644))

	f := hsatest.New()
	err := Run(f, Options{Dir: dir, DryRun: true, Timeout: time.Second})
	require.ErrorIs(t, err, ErrCopyFailed)
	assert.Equal(t, 1, ExitCode(err))
}

func TestRunMissingBinary(t *testing.T) {
	requireLinux(t)
	dir := writeMinimalCapture(t, 0x7b40_0000_0000, []byte{1, 2, 3, 4})

	f := hsatest.New()
	err := Run(f, Options{Dir: dir, Timeout: time.Second})
	require.ErrorIs(t, err, ErrBinaryLoadFailed)
}

func TestRunRejectsCorruptArtifact(t *testing.T) {
	dir := t.TempDir()
	f := hsatest.New()
	err := Run(f, Options{Dir: dir})
	require.Error(t, err)
	// No runtime work may have happened: the fake was never initialized,
	// so shutting it down must fail.
	require.Error(t, f.Shutdown())
}
