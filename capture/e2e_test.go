// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsatrace/kernel-isolate/artifact"
	"github.com/hsatrace/kernel-isolate/hsa"
	"github.com/hsatrace/kernel-isolate/hsa/hsatest"
	"github.com/hsatrace/kernel-isolate/replay"
)

func testConfig(t *testing.T, pattern string, index uint64) Config {
	t.Helper()
	return Config{
		Pattern:       regexp.MustCompile(pattern),
		DispatchIndex: index,
		OutputDir:     filepath.Join(t.TempDir(), "capture"),
		Enabled:       true,
	}
}

type saxpyRun struct {
	x, y, out, kernarg uint64
	n                  int
}

// setupSaxpy allocates and fills one SAXPY launch: x[i]=i+seed, y[i]=2i.
func setupSaxpy(t *testing.T, app *hsatest.App, n int, seed float32) saxpyRun {
	t.Helper()
	r := saxpyRun{n: n}
	var err error
	r.x, err = app.Alloc(uint64(n * 4))
	require.NoError(t, err)
	r.y, err = app.Alloc(uint64(n * 4))
	require.NoError(t, err)
	r.out, err = app.Alloc(uint64(n * 4))
	require.NoError(t, err)
	r.kernarg, err = app.Alloc(hsatest.SaxpyKernargLen)
	require.NoError(t, err)

	xs := make([]byte, n*4)
	ys := make([]byte, n*4)
	for i := range n {
		binary.LittleEndian.PutUint32(xs[i*4:], math.Float32bits(float32(i)+seed))
		binary.LittleEndian.PutUint32(ys[i*4:], math.Float32bits(float32(2*i)))
	}
	app.WriteMemory(r.x, xs)
	app.WriteMemory(r.y, ys)

	kernarg := make([]byte, hsatest.SaxpyKernargLen)
	binary.LittleEndian.PutUint64(kernarg[0:], r.x)
	binary.LittleEndian.PutUint64(kernarg[8:], r.y)
	binary.LittleEndian.PutUint64(kernarg[16:], r.out)
	app.WriteMemory(r.kernarg, kernarg)
	return r
}

func (r *saxpyRun) expected(seed float32) []float32 {
	out := make([]float32, r.n)
	for i := range r.n {
		out[i] = 2*(float32(i)+seed) + float32(2*i)
	}
	return out
}

func readFloats(app *hsatest.App, addr uint64, n int) []float32 {
	raw := app.ReadMemory(addr, n*4)
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func loadKernelOnce(t *testing.T, app *hsatest.App, name string, kernargLen uint32) uint64 {
	t.Helper()
	exec, err := app.LoadCodeObject(hsatest.BuildCodeObject(hsatest.KernelSpec{
		Name:        name,
		KernargSize: kernargLen,
	}))
	require.NoError(t, err)
	ko, err := app.KernelObject(exec, name)
	require.NoError(t, err)
	return ko
}

// Scenario: a configured pattern that matches nothing leaves the
// application undisturbed and produces no capture directory.
func TestE2ENoMatchIsTransparent(t *testing.T) {
	cfg := testConfig(t, "does_not_exist", 0)
	f, e := startFake(t, cfg)
	app := f.App()

	ko := loadKernelOnce(t, app, hsatest.SaxpyKernel, hsatest.SaxpyKernargLen)
	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	const n = 1024
	run := setupSaxpy(t, app, n, 1)
	for range 4 {
		require.NoError(t, app.Dispatch(q, ko,
			[3]uint32{n, 1, 1}, [3]uint32{256, 1, 1}, run.kernarg))
	}

	// SAXPY is not idempotent against its own output only if out aliased
	// inputs; it does not, so four runs equal one uninstrumented run.
	assert.Equal(t, run.expected(1), readFloats(app, run.out, n))

	_, err = os.Stat(cfg.OutputDir)
	assert.True(t, os.IsNotExist(err), "no capture directory may be created")
	assert.False(t, e.matcher.Done())
	assert.Equal(t, uint64(4), e.dispatchCount.Load())
}

// Scenario: the second SAXPY occurrence is captured with its own kernarg
// block and the originating code object.
func TestE2ECaptureSecondOccurrence(t *testing.T) {
	cfg := testConfig(t, "saxpy", 1)
	f, e := startFake(t, cfg)
	app := f.App()

	ko := loadKernelOnce(t, app, hsatest.SaxpyKernel, hsatest.SaxpyKernargLen)
	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	const n = 64
	runs := []saxpyRun{
		setupSaxpy(t, app, n, 10),
		setupSaxpy(t, app, n, 20),
		setupSaxpy(t, app, n, 30),
	}
	for _, r := range runs {
		require.NoError(t, app.Dispatch(q, ko,
			[3]uint32{n, 1, 1}, [3]uint32{64, 1, 1}, r.kernarg))
	}
	require.True(t, e.matcher.Done())

	dispatch, err := artifact.ReadDispatch(cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dispatch.DispatchIndex)
	assert.Equal(t, hsatest.SaxpyKernel+".kd", dispatch.KernelName)
	assert.Equal(t, "saxpy(float*, float*, float*)", dispatch.DemangledName)
	assert.Equal(t, "Fake gfx90a", dispatch.AgentName)
	assert.Equal(t, "amdgcn-amd-amdhsa--gfx90a", dispatch.ISA)
	assert.Equal(t, uint32(64), dispatch.WavefrontSize)
	assert.Equal(t, uint32(n), dispatch.GridSize.X)
	assert.NotEmpty(t, dispatch.SessionID)

	kernarg, err := os.ReadFile(filepath.Join(cfg.OutputDir, artifact.KernargFile))
	require.NoError(t, err)
	require.Len(t, kernarg, hsatest.SaxpyKernargLen)
	// The captured block belongs to the second dispatch.
	assert.Equal(t, runs[1].x, binary.LittleEndian.Uint64(kernarg[0:]))
	assert.Equal(t, runs[1].out, binary.LittleEndian.Uint64(kernarg[16:]))

	hsaco, err := os.ReadFile(filepath.Join(cfg.OutputDir, artifact.BinaryFile))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, hsaco[:4])
}

// Scenario: region contents are captured before the dispatch mutates them.
func TestE2ERegionRoundTrip(t *testing.T) {
	cfg := testConfig(t, "increment_16", 0)
	f, e := startFake(t, cfg)
	app := f.App()

	ko := loadKernelOnce(t, app, hsatest.Increment16Kernel, hsatest.Increment16KernargLen)
	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	buf, err := app.Alloc(64)
	require.NoError(t, err)
	initial := make([]byte, 64)
	for i := range 16 {
		binary.LittleEndian.PutUint32(initial[i*4:], uint32(i))
	}
	app.WriteMemory(buf, initial)

	kernargBuf, err := app.Alloc(hsatest.Increment16KernargLen)
	require.NoError(t, err)
	kernarg := make([]byte, 8)
	binary.LittleEndian.PutUint64(kernarg, buf)
	app.WriteMemory(kernargBuf, kernarg)

	require.NoError(t, app.Dispatch(q, ko,
		[3]uint32{16, 1, 1}, [3]uint32{16, 1, 1}, kernargBuf))
	require.True(t, e.matcher.Done())

	// Live memory was incremented after the snapshot was taken.
	live := app.ReadMemory(buf, 64)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(live[0:]))

	captured, err := os.ReadFile(filepath.Join(cfg.OutputDir,
		artifact.MemoryDir, artifact.RegionFileName(buf)))
	require.NoError(t, err)
	assert.Equal(t, initial, captured)

	regions, err := artifact.ReadRegions(cfg.OutputDir)
	require.NoError(t, err)
	var found bool
	for _, r := range regions {
		if r.Base == buf {
			found = true
			assert.Equal(t, uint64(64), r.Size)
			assert.True(t, r.IsPool)
			assert.Equal(t, artifact.Checksum(initial), r.XXH3)
		}
	}
	assert.True(t, found, "region 0x%x missing from metadata", buf)
}

// Scenario: a captured pointer-chasing dispatch replays against the same
// numeric addresses and reproduces the live run's result.
func TestE2EPointerChaseReplay(t *testing.T) {
	const kernelName = "list_sum_traversal"
	var mu sync.Mutex
	var sums []int64
	hsatest.RegisterKernel(kernelName, func(d hsatest.Dispatch) {
		head := binary.LittleEndian.Uint64(d.Kernarg[0:])
		result := binary.LittleEndian.Uint64(d.Kernarg[8:])
		var sum int64
		for node := head; node != 0; {
			raw := hsa.SliceAt(node, 16)
			sum += int64(binary.LittleEndian.Uint64(raw[0:]))
			node = binary.LittleEndian.Uint64(raw[8:])
		}
		binary.LittleEndian.PutUint64(hsa.SliceAt(result, 8), uint64(sum))
		stored := int64(binary.LittleEndian.Uint64(hsa.SliceAt(result, 8)))
		mu.Lock()
		sums = append(sums, stored)
		mu.Unlock()
	})

	cfg := testConfig(t, "list_sum", 0)
	f, _ := startFake(t, cfg)
	app := f.App()

	ko := loadKernelOnce(t, app, kernelName, 16)
	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	// 16 nodes, values 0..15, singly linked in place.
	nodes, err := app.Alloc(16 * 16)
	require.NoError(t, err)
	raw := make([]byte, 16*16)
	for i := range 16 {
		binary.LittleEndian.PutUint64(raw[i*16:], uint64(i))
		next := uint64(0)
		if i < 15 {
			next = nodes + uint64((i+1)*16)
		}
		binary.LittleEndian.PutUint64(raw[i*16+8:], next)
	}
	app.WriteMemory(nodes, raw)

	result, err := app.Alloc(8)
	require.NoError(t, err)
	kernargBuf, err := app.Alloc(16)
	require.NoError(t, err)
	kernarg := make([]byte, 16)
	binary.LittleEndian.PutUint64(kernarg[0:], nodes)
	binary.LittleEndian.PutUint64(kernarg[8:], result)
	app.WriteMemory(kernargBuf, kernarg)

	require.NoError(t, app.Dispatch(q, ko,
		[3]uint32{1, 1, 1}, [3]uint32{1, 1, 1}, kernargBuf))

	mu.Lock()
	require.Equal(t, []int64{120}, sums)
	mu.Unlock()

	// Free the captured addresses, then rebuild them in a fresh runtime.
	require.NoError(t, f.Shutdown())

	f2 := hsatest.New()
	require.NoError(t, replay.Run(f2, replay.Options{
		Dir:     cfg.OutputDir,
		Timeout: 5 * time.Second,
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sums, 2)
	assert.Equal(t, int64(120), sums[1])
}

// Scenario: without the steering placeholders the runtime's aperture lands
// on the captured addresses and the strict reservation refuses to relocate.
func TestE2ERelocationRejected(t *testing.T) {
	cfg := testConfig(t, "increment_16", 0)
	f, _ := startFake(t, cfg)
	app := f.App()

	ko := loadKernelOnce(t, app, hsatest.Increment16Kernel, hsatest.Increment16KernargLen)
	q, err := app.CreateQueue(64)
	require.NoError(t, err)

	buf, err := app.Alloc(64)
	require.NoError(t, err)
	app.WriteMemory(buf, make([]byte, 64))
	kernargBuf, err := app.Alloc(8)
	require.NoError(t, err)
	kernarg := make([]byte, 8)
	binary.LittleEndian.PutUint64(kernarg, buf)
	app.WriteMemory(kernargBuf, kernarg)

	require.NoError(t, app.Dispatch(q, ko,
		[3]uint32{16, 1, 1}, [3]uint32{16, 1, 1}, kernargBuf))
	require.NoError(t, f.Shutdown())

	f2 := hsatest.New()
	err = replay.Run(f2, replay.Options{
		Dir:          cfg.OutputDir,
		Timeout:      5 * time.Second,
		SkipSteering: true,
	})
	require.Error(t, err)
	assert.Equal(t, 2, replay.ExitCode(err))
	assert.Regexp(t, `Relocation detected for region 0x[0-9a-f]+`, err.Error())
}

// Scenario: per-kernel occurrence ordering holds under concurrent
// submission on two queues.
func TestE2EConcurrentQueuesOrdering(t *testing.T) {
	cfg := testConfig(t, "saxpy", 2)
	f, e := startFake(t, cfg)
	app := f.App()

	exec, err := app.LoadCodeObject(hsatest.BuildCodeObject(
		hsatest.KernelSpec{Name: hsatest.SaxpyKernel, KernargSize: hsatest.SaxpyKernargLen},
		hsatest.KernelSpec{Name: hsatest.Increment16Kernel, KernargSize: hsatest.Increment16KernargLen},
	))
	require.NoError(t, err)
	saxpyKO, err := app.KernelObject(exec, hsatest.SaxpyKernel)
	require.NoError(t, err)
	incKO, err := app.KernelObject(exec, hsatest.Increment16Kernel)
	require.NoError(t, err)

	q1, err := app.CreateQueue(64)
	require.NoError(t, err)
	q2, err := app.CreateQueue(64)
	require.NoError(t, err)

	const n = 16
	saxpyRuns := []saxpyRun{
		setupSaxpy(t, app, n, 1),
		setupSaxpy(t, app, n, 2),
		setupSaxpy(t, app, n, 3),
		setupSaxpy(t, app, n, 4),
	}
	incBuf, err := app.Alloc(64)
	require.NoError(t, err)
	incKernarg, err := app.Alloc(8)
	require.NoError(t, err)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, incBuf)
	app.WriteMemory(incKernarg, raw)

	var wg sync.WaitGroup
	wg.Go(func() {
		for _, r := range saxpyRuns {
			_ = app.Dispatch(q1, saxpyKO,
				[3]uint32{n, 1, 1}, [3]uint32{16, 1, 1}, r.kernarg)
		}
	})
	wg.Go(func() {
		for range 4 {
			_ = app.Dispatch(q2, incKO,
				[3]uint32{16, 1, 1}, [3]uint32{16, 1, 1}, incKernarg)
		}
	})
	wg.Wait()

	require.True(t, e.matcher.Done())
	assert.Equal(t, uint64(4), e.matcher.Count(saxpyKO))
	assert.Equal(t, uint64(4), e.matcher.Count(incKO))

	dispatch, err := artifact.ReadDispatch(cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dispatch.DispatchIndex)

	// The captured kernarg must be the third SAXPY submission's,
	// regardless of how the two queues interleaved.
	kernarg, err := os.ReadFile(filepath.Join(cfg.OutputDir, artifact.KernargFile))
	require.NoError(t, err)
	assert.Equal(t, saxpyRuns[2].x, binary.LittleEndian.Uint64(kernarg[0:]))
}
