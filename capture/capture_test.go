// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"path/filepath"
	"runtime"
	"testing"

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

// startFake initializes a fake runtime and hooks an engine into its table.
func startFake(t *testing.T, cfg Config) (*hsatest.Fake, *Engine) {
	t.Helper()
	requireLinux(t)
	f := hsatest.New()
	require.NoError(t, f.Init())
	t.Cleanup(func() { _ = f.Shutdown() })

	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(t.TempDir(), "capture")
	}
	e := NewEngine(cfg)
	require.True(t, e.OnLoad(f.Table(), 1, nil))
	return f, e
}

func TestOnLoadRejectsIncompleteTable(t *testing.T) {
	e := NewEngine(Config{})
	assert.False(t, e.OnLoad(nil, 1, nil))

	table := &hsa.APITable{Core: &hsa.CoreTable{}, AmdExt: &hsa.AmdExtTable{}}
	assert.False(t, e.OnLoad(table, 1, nil))
}

func TestSymbolHookInternsKernel(t *testing.T) {
	f, e := startFake(t, Config{})
	app := f.App()

	exec, err := app.LoadCodeObject(hsatest.BuildCodeObject(hsatest.KernelSpec{
		Name:        hsatest.SaxpyKernel,
		KernargSize: hsatest.SaxpyKernargLen,
	}))
	require.NoError(t, err)

	ko, err := app.KernelObject(exec, hsatest.SaxpyKernel)
	require.NoError(t, err)

	rec, ok := e.kernels.Lookup(ko)
	require.True(t, ok)
	assert.Equal(t, hsatest.SaxpyKernel+".kd", rec.MangledName)
	assert.Equal(t, "saxpy(float*, float*, float*)", rec.DemangledName)
	assert.Equal(t, uint32(hsatest.SaxpyKernargLen), rec.KernargSize)
}

func TestLoadFanOutAttachesBlob(t *testing.T) {
	f, e := startFake(t, Config{})
	app := f.App()

	blob := hsatest.BuildCodeObject(
		hsatest.KernelSpec{Name: hsatest.SaxpyKernel, KernargSize: 24},
		hsatest.KernelSpec{Name: hsatest.Increment16Kernel, KernargSize: 8},
	)
	exec, err := app.LoadCodeObject(blob)
	require.NoError(t, err)

	// The fan-out interned both kernels without any symbol query from the
	// application, and attached the blob to each.
	assert.Equal(t, 2, e.kernels.Len())
	for _, name := range []string{hsatest.SaxpyKernel, hsatest.Increment16Kernel} {
		ko, err := app.KernelObject(exec, name)
		require.NoError(t, err)
		assert.Equal(t, blob, e.blobs.lookup(ko), "blob for %s", name)
	}
}

func TestPoolHooksTrackRegions(t *testing.T) {
	f, e := startFake(t, Config{})
	app := f.App()

	ptr, err := app.Alloc(512)
	require.NoError(t, err)
	require.Equal(t, 1, e.regions.Len())

	snap := e.regions.Snapshot()
	assert.Equal(t, ptr, snap[0].Base)
	assert.Equal(t, uint64(512), snap[0].Size)
	assert.Equal(t, RegionPool, snap[0].Kind)

	require.NoError(t, app.Free(ptr))
	assert.Equal(t, 0, e.regions.Len())
}

func TestVmemHooksTrackLifecycle(t *testing.T) {
	f, e := startFake(t, Config{})
	ext := f.Table().AmdExt

	var va uint64
	require.True(t, ext.VmemAddressReserve(&va, 0x4000, 0, 0).Succeeded())
	require.Equal(t, 1, e.regions.Len())

	pool, err := f.App().FineGrainedPool()
	require.NoError(t, err)
	var handle hsa.VmemHandle
	require.True(t, ext.VmemHandleCreate(pool, 0x4000, 0, 0, &handle).Succeeded())
	require.True(t, ext.VmemMap(va, 0x4000, 0, handle, 0).Succeeded())

	descs := []hsa.MemoryAccessDesc{{Permissions: hsa.AccessPermissionRW}}
	require.True(t, ext.VmemSetAccess(va, 0x4000, descs).Succeeded())

	snap := e.regions.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, RegionVmem, snap[0].Kind)
	assert.Equal(t, handle.Handle, snap[0].Handle)
	assert.Equal(t, uint32(hsa.AccessPermissionRW), snap[0].AccessMask)

	require.True(t, ext.VmemUnmap(va, 0x4000).Succeeded())
	assert.Equal(t, 0, e.regions.Len())
}

func TestQueueCreateRecordsAgent(t *testing.T) {
	f, e := startFake(t, Config{})
	app := f.App()

	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	agent, ok := e.queues.agentFor(q)
	require.True(t, ok)
	assert.Equal(t, app.GPU(), agent)
}

func TestUnloadRestoresOriginals(t *testing.T) {
	f, e := startFake(t, Config{OutputDir: filepath.Join(t.TempDir(), "capture")})
	app := f.App()

	e.OnUnload()

	// Allocations after unload are invisible to the engine.
	_, err := app.Alloc(256)
	require.NoError(t, err)
	assert.Equal(t, 0, e.regions.Len())
}

func TestNonDispatchPacketsIgnored(t *testing.T) {
	f, e := startFake(t, Config{})
	app := f.App()

	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	index := f.LoadWriteIndex(q)
	pkt := f.PacketSlot(q, index)
	*pkt = hsa.KernelDispatchPacket{
		Header: hsa.PacketTypeBarrierAnd | 1<<hsa.PacketHeaderBarrier,
	}
	f.StoreWriteIndex(q, index+1)
	f.RingDoorbell(q, index)

	assert.Equal(t, uint64(0), e.dispatchCount.Load())
}

func TestLoadEntryIsOneShot(t *testing.T) {
	requireLinux(t)
	f := hsatest.New()
	require.NoError(t, f.Init())
	t.Cleanup(func() { _ = f.Shutdown() })

	t.Setenv(EnvKernel, "")
	t.Setenv(EnvDispatchIndex, "")
	dir := t.TempDir()
	t.Chdir(dir)

	require.True(t, Load(f.Table(), 1, nil))
	assert.False(t, Load(f.Table(), 1, nil))
	Unload()
	require.True(t, Load(f.Table(), 1, nil))
	Unload()

	var summary artifact.Summary
	require.NoError(t, artifact.ReadJSON(dir, artifact.SummaryFile, &summary))
	assert.False(t, summary.Captured)
	assert.Zero(t, summary.DispatchCount)
}
