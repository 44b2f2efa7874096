// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture implements the in-process agent that shadows the HSA
// runtime's dispatch path. It installs wrappers into the runtime's API
// table, correlates kernel loads, queue submissions and device memory
// activity into a consistent model, and snapshots the one dispatch selected
// by the session configuration.
package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hsatrace/kernel-isolate/artifact"
	"github.com/hsatrace/kernel-isolate/hsa"
)

// originals holds the one-shot save of the runtime's own function pointers.
// Intercepted wrappers delegate here; slots the engine only calls (and
// never replaces) are saved too so hooks never re-enter themselves.
type originals struct {
	symbolGetInfo           func(hsa.ExecutableSymbol, hsa.SymbolInfo, unsafe.Pointer) hsa.Status
	readerCreateFromMemory  func(unsafe.Pointer, uint64, *hsa.CodeObjectReader) hsa.Status
	execLoadAgentCodeObject func(hsa.Executable, hsa.Agent, hsa.CodeObjectReader, *byte, unsafe.Pointer) hsa.Status
	queueCreate             func(hsa.Agent, uint32, uint32, hsa.QueueErrorCallback, unsafe.Pointer, uint32, uint32, **hsa.Queue) hsa.Status
	iterateSymbols          func(hsa.Executable, hsa.IterateSymbolsCallback, unsafe.Pointer) hsa.Status
	agentGetInfo            func(hsa.Agent, hsa.AgentInfo, unsafe.Pointer) hsa.Status
	memoryCopy              func(uint64, uint64, uint64) hsa.Status

	poolAllocate      func(hsa.MemoryPool, uint64, uint32, *uint64) hsa.Status
	poolFree          func(uint64) hsa.Status
	vmemReserve       func(*uint64, uint64, uint64, uint64) hsa.Status
	vmemHandleCreate  func(hsa.MemoryPool, uint64, uint32, uint64, *hsa.VmemHandle) hsa.Status
	vmemHandleRelease func(hsa.VmemHandle) hsa.Status
	vmemMap           func(uint64, uint64, uint64, hsa.VmemHandle, uint64) hsa.Status
	vmemUnmap         func(uint64, uint64) hsa.Status
	vmemSetAccess     func(uint64, uint64, []hsa.MemoryAccessDesc) hsa.Status
}

// queueRegistry recovers the agent owning a queue on the submit path, where
// the runtime supplies only the queue pointer.
type queueRegistry struct {
	mu     sync.Mutex
	agents map[*hsa.Queue]hsa.Agent
}

func (qr *queueRegistry) add(q *hsa.Queue, agent hsa.Agent) {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	qr.agents[q] = agent
}

func (qr *queueRegistry) agentFor(q *hsa.Queue) (hsa.Agent, bool) {
	qr.mu.Lock()
	defer qr.mu.Unlock()
	agent, ok := qr.agents[q]
	return agent, ok
}

// Engine is one capture session. It owns the intercepted API table slots
// between OnLoad and OnUnload.
type Engine struct {
	table *hsa.APITable
	orig  originals

	cfg       Config
	sessionID string

	kernels *KernelRegistry
	regions *RegionTracker
	blobs   *blobStore
	matcher *Matcher
	queues  queueRegistry

	// dispatchCount tallies every dispatch packet the interceptor sees,
	// captured or not; it feeds the unload summary.
	dispatchCount atomic.Uint64

	// handles tracks live vmem allocation handles for map-time sanity
	// checking.
	handles struct {
		mu   sync.Mutex
		live map[uint64]struct{}
	}
}

// NewEngine builds an engine for the given configuration without touching
// any API table. Tests drive it directly; production goes through OnLoad.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		kernels:   NewKernelRegistry(),
		regions:   NewRegionTracker(),
		blobs:     newBlobStore(),
		matcher:   NewMatcher(&cfg),
		queues:    queueRegistry{agents: make(map[*hsa.Queue]hsa.Agent)},
	}
	e.handles.live = make(map[uint64]struct{})
	return e
}

// OnLoad is the loader entry point. It saves the original function pointers
// and installs the engine's wrappers. A missing required slot fails the
// load; the runtime then continues without the engine.
func (e *Engine) OnLoad(table *hsa.APITable, runtimeVersion uint64, failedToolNames []string) bool {
	if table == nil || table.Core == nil || table.AmdExt == nil {
		logrus.Error("API table incomplete, not loading")
		return false
	}
	core, ext := table.Core, table.AmdExt
	if core.ExecutableSymbolGetInfo == nil ||
		core.CodeObjectReaderCreateFromMemory == nil ||
		core.ExecutableLoadAgentCodeObject == nil ||
		core.ExecutableIterateSymbols == nil ||
		core.QueueCreate == nil ||
		core.AgentGetInfo == nil ||
		core.MemoryCopy == nil ||
		ext.QueueInterceptCreate == nil ||
		ext.QueueInterceptRegister == nil ||
		ext.MemoryPoolAllocate == nil ||
		ext.MemoryPoolFree == nil ||
		ext.VmemAddressReserve == nil ||
		ext.VmemHandleCreate == nil ||
		ext.VmemHandleRelease == nil ||
		ext.VmemMap == nil ||
		ext.VmemUnmap == nil ||
		ext.VmemSetAccess == nil {
		logrus.Error("Required API table slot missing, not loading")
		return false
	}
	if len(failedToolNames) > 0 {
		logrus.Debugf("Runtime reported %d failed tools", len(failedToolNames))
	}

	e.table = table
	e.orig = originals{
		symbolGetInfo:           core.ExecutableSymbolGetInfo,
		readerCreateFromMemory:  core.CodeObjectReaderCreateFromMemory,
		execLoadAgentCodeObject: core.ExecutableLoadAgentCodeObject,
		queueCreate:             core.QueueCreate,
		iterateSymbols:          core.ExecutableIterateSymbols,
		agentGetInfo:            core.AgentGetInfo,
		memoryCopy:              core.MemoryCopy,
		poolAllocate:            ext.MemoryPoolAllocate,
		poolFree:                ext.MemoryPoolFree,
		vmemReserve:             ext.VmemAddressReserve,
		vmemHandleCreate:        ext.VmemHandleCreate,
		vmemHandleRelease:       ext.VmemHandleRelease,
		vmemMap:                 ext.VmemMap,
		vmemUnmap:               ext.VmemUnmap,
		vmemSetAccess:           ext.VmemSetAccess,
	}

	core.ExecutableSymbolGetInfo = e.hookSymbolGetInfo
	core.CodeObjectReaderCreateFromMemory = e.hookReaderCreateFromMemory
	core.ExecutableLoadAgentCodeObject = e.hookExecLoadAgentCodeObject
	core.QueueCreate = e.hookQueueCreate
	ext.MemoryPoolAllocate = e.hookPoolAllocate
	ext.MemoryPoolFree = e.hookPoolFree
	ext.VmemAddressReserve = e.hookVmemReserve
	ext.VmemHandleCreate = e.hookVmemHandleCreate
	ext.VmemHandleRelease = e.hookVmemHandleRelease
	ext.VmemMap = e.hookVmemMap
	ext.VmemUnmap = e.hookVmemUnmap
	ext.VmemSetAccess = e.hookVmemSetAccess

	logrus.Infof("Capture session %s loaded (runtime version %d, enabled=%v)",
		e.sessionID, runtimeVersion, e.cfg.Enabled)
	return true
}

// OnUnload restores the intercepted slots and writes the session summary
// next to the artifact directory.
func (e *Engine) OnUnload() {
	if e.table != nil {
		core, ext := e.table.Core, e.table.AmdExt
		core.ExecutableSymbolGetInfo = e.orig.symbolGetInfo
		core.CodeObjectReaderCreateFromMemory = e.orig.readerCreateFromMemory
		core.ExecutableLoadAgentCodeObject = e.orig.execLoadAgentCodeObject
		core.QueueCreate = e.orig.queueCreate
		ext.MemoryPoolAllocate = e.orig.poolAllocate
		ext.MemoryPoolFree = e.orig.poolFree
		ext.VmemAddressReserve = e.orig.vmemReserve
		ext.VmemHandleCreate = e.orig.vmemHandleCreate
		ext.VmemHandleRelease = e.orig.vmemHandleRelease
		ext.VmemMap = e.orig.vmemMap
		ext.VmemUnmap = e.orig.vmemUnmap
		ext.VmemSetAccess = e.orig.vmemSetAccess
	}

	summary := artifact.Summary{
		DispatchCount: e.dispatchCount.Load(),
		Captured:      e.matcher.Done(),
	}
	dir := filepath.Dir(e.cfg.OutputDir)
	if err := artifact.WriteJSON(dir, artifact.SummaryFile, &summary); err != nil {
		logrus.Warnf("Writing session summary: %v", err)
	}
	logrus.Infof("Capture session %s unloaded: %d dispatches observed, captured=%v",
		e.sessionID, summary.DispatchCount, summary.Captured)
}

// hookSymbolGetInfo interns kernel identity when the application queries a
// symbol's kernel-object attribute. The original's status is surfaced
// unchanged; bookkeeping happens only on success.
func (e *Engine) hookSymbolGetInfo(sym hsa.ExecutableSymbol, attr hsa.SymbolInfo,
	value unsafe.Pointer) hsa.Status {
	st := e.orig.symbolGetInfo(sym, attr, value)
	if !st.Succeeded() || attr != hsa.SymbolInfoKernelObject || value == nil {
		return st
	}
	kernelObject := *(*uint64)(value)
	if e.internSymbol(sym, kernelObject) {
		e.blobs.attachLastLoaded(kernelObject)
	}
	return st
}

// internSymbol queries the symbol's kernarg size and name through the saved
// originals and interns the record. It reports whether the queries held up.
func (e *Engine) internSymbol(sym hsa.ExecutableSymbol, kernelObject uint64) bool {
	var kernargSize uint32
	if st := e.orig.symbolGetInfo(sym, hsa.SymbolInfoKernargSegmentSize,
		unsafe.Pointer(&kernargSize)); !st.Succeeded() {
		return false
	}
	var nameLen uint32
	if st := e.orig.symbolGetInfo(sym, hsa.SymbolInfoNameLength,
		unsafe.Pointer(&nameLen)); !st.Succeeded() {
		return false
	}
	var name string
	if nameLen > 0 {
		buf := make([]byte, nameLen)
		if st := e.orig.symbolGetInfo(sym, hsa.SymbolInfoName,
			unsafe.Pointer(&buf[0])); !st.Succeeded() {
			return false
		}
		name = string(trimNul(buf))
	}
	e.kernels.Intern(kernelObject, name, kernargSize)
	return true
}

// hookReaderCreateFromMemory parks a copy of the caller's code object bytes
// keyed by the resulting reader handle.
func (e *Engine) hookReaderCreateFromMemory(base unsafe.Pointer, size uint64,
	reader *hsa.CodeObjectReader) hsa.Status {
	st := e.orig.readerCreateFromMemory(base, size, reader)
	if st.Succeeded() && base != nil && size > 0 && reader != nil {
		e.blobs.park(*reader, unsafe.Slice((*byte)(base), size))
	}
	return st
}

// hookExecLoadAgentCodeObject promotes the parked blob to the executable
// and fans it out to every kernel symbol the load produced.
func (e *Engine) hookExecLoadAgentCodeObject(exec hsa.Executable, agent hsa.Agent,
	reader hsa.CodeObjectReader, options *byte, loadedCO unsafe.Pointer) hsa.Status {
	st := e.orig.execLoadAgentCodeObject(exec, agent, reader, options, loadedCO)
	if !st.Succeeded() {
		return st
	}
	blob := e.blobs.promote(reader, exec)
	e.orig.iterateSymbols(exec, func(_ hsa.Executable, sym hsa.ExecutableSymbol,
		_ unsafe.Pointer) hsa.Status {
		var kind hsa.SymbolKind
		if st := e.orig.symbolGetInfo(sym, hsa.SymbolInfoType,
			unsafe.Pointer(&kind)); !st.Succeeded() || kind != hsa.SymbolKindKernel {
			return hsa.StatusSuccess
		}
		var kernelObject uint64
		if st := e.orig.symbolGetInfo(sym, hsa.SymbolInfoKernelObject,
			unsafe.Pointer(&kernelObject)); !st.Succeeded() {
			return hsa.StatusSuccess
		}
		e.internSymbol(sym, kernelObject)
		e.blobs.attach(kernelObject, blob)
		return hsa.StatusSuccess
	}, nil)
	return st
}

// hookQueueCreate redirects queue creation to the vendor extension's
// intercept queue so the engine sees every packet before the GPU does, and
// records which agent owns the queue.
func (e *Engine) hookQueueCreate(agent hsa.Agent, size uint32, qtype uint32,
	callback hsa.QueueErrorCallback, data unsafe.Pointer,
	privateSegmentSize, groupSegmentSize uint32, queue **hsa.Queue) hsa.Status {
	st := e.table.AmdExt.QueueInterceptCreate(agent, size, qtype, callback, data,
		privateSegmentSize, groupSegmentSize, queue)
	if !st.Succeeded() {
		return st
	}
	q := *queue
	if rst := e.table.AmdExt.QueueInterceptRegister(q, e.onSubmit,
		unsafe.Pointer(q)); !rst.Succeeded() {
		logrus.Warnf("Intercept registration failed for queue %d: status 0x%x",
			q.ID, int32(rst))
		return st
	}
	e.queues.add(q, agent)
	return st
}

func (e *Engine) hookPoolAllocate(pool hsa.MemoryPool, size uint64, flags uint32,
	ptr *uint64) hsa.Status {
	st := e.orig.poolAllocate(pool, size, flags, ptr)
	if st.Succeeded() && ptr != nil && size > 0 {
		e.regions.InsertPool(*ptr, size)
	}
	return st
}

func (e *Engine) hookPoolFree(ptr uint64) hsa.Status {
	st := e.orig.poolFree(ptr)
	if st.Succeeded() {
		e.regions.RemovePool(ptr)
	}
	return st
}

func (e *Engine) hookVmemReserve(va *uint64, size uint64, address uint64,
	flags uint64) hsa.Status {
	st := e.orig.vmemReserve(va, size, address, flags)
	if st.Succeeded() && va != nil && size > 0 {
		e.regions.InsertVmem(*va, size)
	}
	return st
}

func (e *Engine) hookVmemHandleCreate(pool hsa.MemoryPool, size uint64,
	memType uint32, flags uint64, handle *hsa.VmemHandle) hsa.Status {
	st := e.orig.vmemHandleCreate(pool, size, memType, flags, handle)
	if st.Succeeded() && handle != nil {
		e.handles.mu.Lock()
		e.handles.live[handle.Handle] = struct{}{}
		e.handles.mu.Unlock()
	}
	return st
}

func (e *Engine) hookVmemHandleRelease(handle hsa.VmemHandle) hsa.Status {
	st := e.orig.vmemHandleRelease(handle)
	if st.Succeeded() {
		e.handles.mu.Lock()
		delete(e.handles.live, handle.Handle)
		e.handles.mu.Unlock()
	}
	return st
}

func (e *Engine) hookVmemMap(va uint64, size uint64, inOffset uint64,
	handle hsa.VmemHandle, flags uint64) hsa.Status {
	st := e.orig.vmemMap(va, size, inOffset, handle, flags)
	if !st.Succeeded() {
		return st
	}
	e.handles.mu.Lock()
	_, known := e.handles.live[handle.Handle]
	e.handles.mu.Unlock()
	if !known {
		logrus.Debugf("vmem map at 0x%x uses handle 0x%x created before load",
			va, handle.Handle)
	}
	e.regions.AttachHandle(va, handle)
	return st
}

func (e *Engine) hookVmemUnmap(va uint64, size uint64) hsa.Status {
	st := e.orig.vmemUnmap(va, size)
	if st.Succeeded() {
		e.regions.RemoveVmem(va)
	}
	return st
}

func (e *Engine) hookVmemSetAccess(va uint64, size uint64,
	descs []hsa.MemoryAccessDesc) hsa.Status {
	st := e.orig.vmemSetAccess(va, size, descs)
	if st.Succeeded() {
		e.regions.MergeAccess(va, descs)
	}
	return st
}

// onSubmit is the per-queue packet interceptor. It runs on the submitting
// thread, possibly concurrently across queues; everything it touches is
// lock-protected and every packet field is treated as read-only. It must
// forward the packets unchanged or they never reach the GPU.
func (e *Engine) onSubmit(packets unsafe.Pointer, count uint64,
	_ uint64, data unsafe.Pointer, writer hsa.PacketWriter) {
	pkts := unsafe.Slice((*hsa.KernelDispatchPacket)(packets), count)
	for i := range pkts {
		pkt := &pkts[i]
		if pkt.PacketType() != hsa.PacketTypeKernelDispatch {
			continue
		}
		e.dispatchCount.Add(1)
		rec, ok := e.kernels.Lookup(pkt.KernelObject)
		if !ok || rec.KernargSize == 0 {
			continue
		}
		fired, index := e.matcher.Observe(pkt.KernelObject, rec.MatchName())
		if !fired {
			continue
		}
		// The matcher lock is already dropped; the snapshot blocks this
		// thread, which is acceptable for the one dispatch it fires on.
		e.captureDispatch(pkt, rec, index, (*hsa.Queue)(data))
	}
	writer(packets, count)
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
