// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay reconstructs a captured dispatch in a fresh process: it
// re-establishes the captured device virtual addresses at their exact
// numeric values, restores their contents, loads the captured code object
// and re-issues the dispatch. Relocation is never accepted; pointer-bearing
// launch arguments stay valid only if every region lands where it was.
package replay // import "github.com/hsatrace/kernel-isolate/replay"

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hsatrace/kernel-isolate/artifact"
	"github.com/hsatrace/kernel-isolate/hsa"
)

// Options configure one replay run.
type Options struct {
	// Dir is the capture directory.
	Dir string
	// Timeout bounds the completion signal wait.
	Timeout time.Duration
	// ReserveOnly stops after strictly reserving every captured VA,
	// without mapping or restoring. Validates aperture steering quickly.
	ReserveOnly bool
	// DryRun stops after the memory restore, skipping binary load and
	// dispatch. Validates captures on hosts without the captured ISA.
	DryRun bool
	// SkipSteering disables the aperture placeholders. Exists for tests
	// exercising the relocation failure path.
	SkipSteering bool
	// QueueSize is the replay queue depth.
	QueueSize uint32
}

// DefaultTimeout bounds the dispatch wait unless overridden.
const DefaultTimeout = 60 * time.Second

// Run performs a full replay. Errors from pool selection, region
// reservation and restore, binary load and dispatch wrap one of the taxonomy
// sentinels in errors.go; artifact parse, runtime init and agent enumeration
// errors do not. ExitCode maps any of them to the process exit code.
func Run(rt hsa.Runtime, opts Options) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 128
	}

	// Everything the address-space rebuild needs is parsed before the
	// runtime initializes: once init runs, the aperture heuristic has
	// already made its choice.
	dispatch, err := artifact.ReadDispatch(opts.Dir)
	if err != nil {
		return err
	}
	regions, err := artifact.ReadRegions(opts.Dir)
	if err != nil {
		return err
	}
	kernarg, err := artifact.ReadKernarg(opts.Dir, dispatch.KernargSize)
	if err != nil {
		return err
	}
	aligned := alignRegions(regions)

	var placed []placeholder
	if !opts.SkipSteering {
		placed = steerApertures(aligned)
	}

	if err = rt.Init(); err != nil {
		releasePlaceholders(placed)
		return fmt.Errorf("runtime init: %w", err)
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			logrus.Warnf("Runtime shutdown: %v", err)
		}
	}()

	agent, err := firstGPUAgent(rt)
	if err != nil {
		releasePlaceholders(placed)
		return err
	}

	// The captured ranges are steered around by now; hand them back so
	// the strict reservations below can claim them.
	releasePlaceholders(placed)

	if opts.ReserveOnly {
		return reserveOnly(rt, aligned)
	}

	pool, err := selectBackingPool(rt, agent)
	if err != nil {
		return err
	}

	for i := range aligned {
		if err = restoreRegion(rt, agent, pool, opts.Dir, &aligned[i]); err != nil {
			return err
		}
	}
	logrus.Infof("Restored %d memory regions", len(aligned))

	if opts.DryRun {
		logrus.Info("Dry run, skipping binary load and dispatch")
		return nil
	}

	kernel, err := loadKernel(rt, agent, opts.Dir)
	if err != nil {
		return err
	}
	defer kernel.destroy(rt)

	return dispatchKernel(rt, agent, pool, kernel, dispatch, kernarg, opts)
}

// firstGPUAgent picks the first GPU agent in enumeration order.
func firstGPUAgent(rt hsa.Runtime) (hsa.Agent, error) {
	agents, err := rt.Agents()
	if err != nil {
		return hsa.Agent{}, fmt.Errorf("enumerating agents: %w", err)
	}
	for _, a := range agents {
		dt, err := rt.AgentDeviceType(a)
		if err != nil {
			continue
		}
		if dt == hsa.DeviceTypeGPU {
			return a, nil
		}
	}
	return hsa.Agent{}, fmt.Errorf("%w: no GPU agent found", ErrBackingPoolMissing)
}

// selectBackingPool picks the pool backing every restored region: the
// first allocatable global pool, preferring a fine-grained one when the
// agent exposes both.
func selectBackingPool(rt hsa.Runtime, agent hsa.Agent) (hsa.MemoryPool, error) {
	pools, err := rt.AgentMemoryPools(agent)
	if err != nil {
		return hsa.MemoryPool{}, fmt.Errorf("%w: %v", ErrBackingPoolMissing, err)
	}
	var fallback hsa.MemoryPool
	haveFallback := false
	for _, p := range pools {
		seg, err := rt.PoolSegment(p)
		if err != nil || seg != hsa.SegmentGlobal {
			continue
		}
		allowed, err := rt.PoolAllocAllowed(p)
		if err != nil || !allowed {
			continue
		}
		flags, err := rt.PoolGlobalFlags(p)
		if err == nil && flags&hsa.PoolGlobalFlagFineGrained != 0 {
			return p, nil
		}
		if !haveFallback {
			fallback = p
			haveFallback = true
		}
	}
	if haveFallback {
		return fallback, nil
	}
	return hsa.MemoryPool{}, fmt.Errorf("%w: no allocatable global pool on agent",
		ErrBackingPoolMissing)
}

// reserveOnly strictly reserves every captured VA and reports the result.
func reserveOnly(rt hsa.Runtime, aligned []alignedRegion) error {
	for i := range aligned {
		r := &aligned[i]
		got, err := rt.VmemAddressReserve(r.AlignedSize, r.AlignedBase)
		if err != nil {
			return fmt.Errorf("%w: reserving 0x%x: %v", ErrRegionRelocated, r.Base, err)
		}
		if got != r.AlignedBase {
			return relocationError(r, got)
		}
		logrus.Infof("Reserved 0x%x (%d bytes)", r.AlignedBase, r.AlignedSize)
	}
	return nil
}

func relocationError(r *alignedRegion, got uint64) error {
	return fmt.Errorf("%w: Relocation detected for region 0x%x (reserved at 0x%x)",
		ErrRegionRelocated, r.Base, got)
}

// restoreRegion rebuilds one region: strict VA reservation, backing handle,
// map, access grant, payload read with checksum verification, contents
// restore.
func restoreRegion(rt hsa.Runtime, agent hsa.Agent, pool hsa.MemoryPool,
	dir string, r *alignedRegion) error {
	got, err := rt.VmemAddressReserve(r.AlignedSize, r.AlignedBase)
	if err != nil {
		return fmt.Errorf("%w: reserving 0x%x: %v", ErrRegionRelocated, r.Base, err)
	}
	if got != r.AlignedBase {
		return relocationError(r, got)
	}

	handle, err := rt.VmemHandleCreate(pool, r.AlignedSize)
	if err != nil {
		return fmt.Errorf("%w: handle for 0x%x: %v", ErrBackingPoolMissing, r.Base, err)
	}
	if err = rt.VmemMap(r.AlignedBase, r.AlignedSize, 0, handle); err != nil {
		return fmt.Errorf("%w: mapping 0x%x: %v", ErrBackingPoolMissing, r.Base, err)
	}
	descs := []hsa.MemoryAccessDesc{{Permissions: hsa.AccessPermissionRW, Agent: agent}}
	if err = rt.VmemSetAccess(r.AlignedBase, r.AlignedSize, descs); err != nil {
		return fmt.Errorf("%w: access for 0x%x: %v", ErrBackingPoolMissing, r.Base, err)
	}

	payload, err := artifact.ReadRegionPayload(dir, &r.Region)
	if err != nil {
		return fmt.Errorf("%w: payload for 0x%x: %v", ErrCopyFailed, r.Base, err)
	}
	if r.XXH3 != "" {
		if sum := artifact.Checksum(payload); sum != r.XXH3 {
			return fmt.Errorf("%w: region 0x%x checksum %s does not match captured %s",
				ErrCopyFailed, r.Base, sum, r.XXH3)
		}
	}
	if err = rt.CopyToDevice(r.AlignedBase+r.Offset, payload); err != nil {
		return fmt.Errorf("%w: restoring 0x%x: %v", ErrCopyFailed, r.Base, err)
	}
	logrus.Debugf("Restored region 0x%x (%d bytes)", r.Base, r.Size)
	return nil
}

// loadedKernel is the outcome of loading the captured code object.
type loadedKernel struct {
	reader             hsa.CodeObjectReader
	exec               hsa.Executable
	kernelObject       uint64
	kernargSize        uint32
	groupSegmentSize   uint32
	privateSegmentSize uint32
}

func (k *loadedKernel) destroy(rt hsa.Runtime) {
	if err := rt.DestroyExecutable(k.exec); err != nil {
		logrus.Warnf("Destroying executable: %v", err)
	}
	if err := rt.ReaderDestroy(k.reader); err != nil {
		logrus.Warnf("Destroying code object reader: %v", err)
	}
}

// loadKernel loads kernel.hsaco on the agent and picks the first kernel
// symbol.
func loadKernel(rt hsa.Runtime, agent hsa.Agent, dir string) (*loadedKernel, error) {
	blob, err := os.ReadFile(filepath.Join(dir, artifact.BinaryFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBinaryLoadFailed, err)
	}
	reader, err := rt.ReaderFromMemory(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: reader: %v", ErrBinaryLoadFailed, err)
	}
	exec, err := rt.CreateExecutable()
	if err != nil {
		return nil, fmt.Errorf("%w: executable: %v", ErrBinaryLoadFailed, err)
	}
	if err = rt.LoadAgentCodeObject(exec, agent, reader); err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrBinaryLoadFailed, err)
	}
	if err = rt.FreezeExecutable(exec); err != nil {
		return nil, fmt.Errorf("%w: freeze: %v", ErrBinaryLoadFailed, err)
	}

	k := &loadedKernel{reader: reader, exec: exec}
	found := false
	err = rt.IterateSymbols(exec, func(sym hsa.ExecutableSymbol) bool {
		kind, err := rt.SymbolKind(sym)
		if err != nil || kind != hsa.SymbolKindKernel {
			return true
		}
		if k.kernelObject, err = rt.SymbolKernelObject(sym); err != nil {
			return true
		}
		k.kernargSize, _ = rt.SymbolKernargSegmentSize(sym)
		k.groupSegmentSize, _ = rt.SymbolGroupSegmentSize(sym)
		k.privateSegmentSize, _ = rt.SymbolPrivateSegmentSize(sym)
		found = true
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSymbolNotFound, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: no kernel symbol in %s", ErrSymbolNotFound,
			artifact.BinaryFile)
	}
	return k, nil
}

// dispatchKernel allocates and fills the kernarg block, builds the dispatch
// packet from the captured geometry and submits it, waiting for completion.
func dispatchKernel(rt hsa.Runtime, agent hsa.Agent, pool hsa.MemoryPool,
	kernel *loadedKernel, dispatch *artifact.Dispatch, kernarg []byte,
	opts Options) error {
	kernargPtr, err := rt.PoolAllocate(pool, uint64(dispatch.KernargSize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKernargAllocFailed, err)
	}
	defer func() {
		if err := rt.PoolFree(kernargPtr); err != nil {
			logrus.Warnf("Freeing kernarg buffer: %v", err)
		}
	}()
	if err = rt.CopyToDevice(kernargPtr, kernarg); err != nil {
		return fmt.Errorf("%w: populating kernarg: %v", ErrKernargAllocFailed, err)
	}

	queue, err := rt.CreateQueue(agent, opts.QueueSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueCreateFailed, err)
	}
	defer func() {
		if err := rt.DestroyQueue(queue); err != nil {
			logrus.Warnf("Destroying queue: %v", err)
		}
	}()

	signal, err := rt.SignalCreate(1)
	if err != nil {
		return fmt.Errorf("%w: completion signal: %v", ErrQueueCreateFailed, err)
	}
	defer func() {
		if err := rt.SignalDestroy(signal); err != nil {
			logrus.Warnf("Destroying signal: %v", err)
		}
	}()

	index := rt.LoadWriteIndex(queue)
	pkt := rt.PacketSlot(queue, index)
	*pkt = hsa.KernelDispatchPacket{
		Setup:              dispatchSetup(dispatch),
		WorkgroupSizeX:     uint16(dispatch.WorkgroupSize.X),
		WorkgroupSizeY:     uint16(dispatch.WorkgroupSize.Y),
		WorkgroupSizeZ:     uint16(dispatch.WorkgroupSize.Z),
		GridSizeX:          dispatch.GridSize.X,
		GridSizeY:          dispatch.GridSize.Y,
		GridSizeZ:          dispatch.GridSize.Z,
		PrivateSegmentSize: kernel.privateSegmentSize,
		GroupSegmentSize:   kernel.groupSegmentSize,
		KernelObject:       kernel.kernelObject,
		KernargAddress:     kernargPtr,
		CompletionSignal:   signal,
	}
	// The header is stored last: the packet processor may start reading
	// the slot the moment the doorbell rings.
	pkt.Header = hsa.DispatchHeader()
	rt.StoreWriteIndex(queue, index+1)
	rt.RingDoorbell(queue, index)

	logrus.Infof("Dispatched %s (grid %dx%dx%d, block %dx%dx%d)",
		dispatch.KernelName,
		dispatch.GridSize.X, dispatch.GridSize.Y, dispatch.GridSize.Z,
		dispatch.WorkgroupSize.X, dispatch.WorkgroupSize.Y, dispatch.WorkgroupSize.Z)

	if value := rt.SignalWait(signal, 0, opts.Timeout); value != 0 {
		return fmt.Errorf("%w: completion signal stuck at %d after %s",
			ErrDispatchTimeout, value, opts.Timeout)
	}
	logrus.Info("Dispatch completed")
	return nil
}

// dispatchSetup encodes the grid dimensionality into the packet setup word.
func dispatchSetup(d *artifact.Dispatch) uint16 {
	dims := uint16(1)
	if d.GridSize.Y > 1 {
		dims = 2
	}
	if d.GridSize.Z > 1 {
		dims = 3
	}
	return dims
}
