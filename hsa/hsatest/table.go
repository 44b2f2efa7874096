// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"sort"
	"unsafe"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// Table returns the fake's mutable API dispatch table. The capture agent
// installs its wrappers here exactly as it would into the production
// runtime's table; application-level helpers on the fake route through the
// table so installed hooks observe them.
func (f *Fake) Table() *hsa.APITable {
	return f.table
}

func (f *Fake) buildTable() {
	f.table = &hsa.APITable{
		Core: &hsa.CoreTable{
			ExecutableSymbolGetInfo:          f.symbolGetInfo,
			ExecutableIterateSymbols:         f.iterateSymbolsTable,
			ExecutableLoadAgentCodeObject:    f.loadAgentCodeObjectTable,
			CodeObjectReaderCreateFromMemory: f.readerCreateFromMemory,
			QueueCreate:                      f.queueCreateTable,
			AgentGetInfo:                     f.agentGetInfo,
			MemoryCopy:                       f.memoryCopy,
		},
		AmdExt: &hsa.AmdExtTable{
			QueueInterceptCreate:    f.queueInterceptCreate,
			QueueInterceptRegister:  f.queueInterceptRegister,
			AgentIterateMemoryPools: f.iteratePoolsTable,
			MemoryPoolGetInfo:       f.poolGetInfo,
			MemoryPoolAllocate:      f.poolAllocateTable,
			MemoryPoolFree:          f.poolFreeTable,
			VmemAddressReserve:      f.vmemReserveTable,
			VmemAddressFree:         f.vmemFreeTable,
			VmemHandleCreate:        f.vmemHandleCreateTable,
			VmemHandleRelease:       f.vmemHandleReleaseTable,
			VmemMap:                 f.vmemMapTable,
			VmemUnmap:               f.vmemUnmapTable,
			VmemSetAccess:           f.vmemSetAccessTable,
		},
	}
}

func (f *Fake) symbolGetInfo(sym hsa.ExecutableSymbol, attr hsa.SymbolInfo,
	value unsafe.Pointer) hsa.Status {
	f.mu.Lock()
	s, ok := f.symbols[sym.Handle]
	f.mu.Unlock()
	if !ok || value == nil {
		return hsa.StatusErrorInvalidArg
	}
	switch attr {
	case hsa.SymbolInfoType:
		*(*hsa.SymbolKind)(value) = hsa.SymbolKindKernel
	case hsa.SymbolInfoNameLength:
		*(*uint32)(value) = uint32(len(s.name))
	case hsa.SymbolInfoName:
		copy(unsafe.Slice((*byte)(value), len(s.name)), s.name)
	case hsa.SymbolInfoKernelObject:
		*(*uint64)(value) = s.kernelObject
	case hsa.SymbolInfoKernargSegmentSize:
		*(*uint32)(value) = s.kernargSize
	case hsa.SymbolInfoGroupSegmentSize:
		*(*uint32)(value) = s.groupSegmentSize
	case hsa.SymbolInfoPrivateSegmentSize:
		*(*uint32)(value) = s.privateSegmentSize
	default:
		return hsa.StatusErrorInvalidArg
	}
	return hsa.StatusSuccess
}

func (f *Fake) iterateSymbolsTable(exec hsa.Executable, cb hsa.IterateSymbolsCallback,
	data unsafe.Pointer) hsa.Status {
	f.mu.Lock()
	es, ok := f.execs[exec.Handle]
	if !ok {
		f.mu.Unlock()
		return hsa.StatusErrorInvalidArg
	}
	handles := make([]uint64, 0, len(es.symbols))
	for _, s := range es.symbols {
		handles = append(handles, s.handle)
	}
	f.mu.Unlock()
	for _, h := range handles {
		if st := cb(exec, hsa.ExecutableSymbol{Handle: h}, data); st != hsa.StatusSuccess {
			if st == hsa.StatusInfoBreak {
				return hsa.StatusSuccess
			}
			return st
		}
	}
	return hsa.StatusSuccess
}

func (f *Fake) readerCreateFromMemory(base unsafe.Pointer, size uint64,
	reader *hsa.CodeObjectReader) hsa.Status {
	if base == nil || size == 0 || reader == nil {
		return hsa.StatusErrorInvalidArg
	}
	blob := make([]byte, size)
	copy(blob, unsafe.Slice((*byte)(base), size))
	f.mu.Lock()
	defer f.mu.Unlock()
	reader.Handle = f.handleLocked()
	f.readers[reader.Handle] = blob
	return hsa.StatusSuccess
}

func (f *Fake) loadAgentCodeObjectTable(exec hsa.Executable, _ hsa.Agent,
	reader hsa.CodeObjectReader, _ *byte, _ unsafe.Pointer) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.readers[reader.Handle]
	if !ok {
		return hsa.StatusErrorInvalidArg
	}
	es, ok := f.execs[exec.Handle]
	if !ok || es.frozen {
		return hsa.StatusErrorInvalidArg
	}
	kernels, err := parseCodeObject(blob)
	if err != nil {
		return hsa.StatusErrorInvalidAlloc
	}
	es.blob = blob
	for _, k := range kernels {
		s := &fakeSymbol{
			handle:             f.handleLocked(),
			name:               k.Name + ".kd",
			kernelObject:       f.handleLocked(),
			kernargSize:        k.KernargSize,
			groupSegmentSize:   k.GroupSegmentSize,
			privateSegmentSize: k.PrivateSegmentSize,
		}
		f.symbols[s.handle] = s
		f.kernelObjs[s.kernelObject] = s
		es.symbols = append(es.symbols, s)
	}
	return hsa.StatusSuccess
}

func (f *Fake) queueCreateTable(agent hsa.Agent, size uint32, _ uint32,
	_ hsa.QueueErrorCallback, _ unsafe.Pointer, _, _ uint32,
	queue **hsa.Queue) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.newQueueLocked(agent, size, false)
	if err != nil {
		return hsa.StatusErrorOutOfResources
	}
	*queue = q
	return hsa.StatusSuccess
}

func (f *Fake) queueInterceptCreate(agent hsa.Agent, size uint32, _ uint32,
	_ hsa.QueueErrorCallback, _ unsafe.Pointer, _, _ uint32,
	queue **hsa.Queue) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.newQueueLocked(agent, size, true)
	if err != nil {
		return hsa.StatusErrorOutOfResources
	}
	*queue = q
	return hsa.StatusSuccess
}

func (f *Fake) queueInterceptRegister(queue *hsa.Queue,
	handler hsa.PacketInterceptHandler, data unsafe.Pointer) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs, ok := f.queues[queue]
	if !ok || !qs.interceptable {
		return hsa.StatusErrorInvalidArg
	}
	qs.interceptor = handler
	qs.interceptorData = data
	return hsa.StatusSuccess
}

func (f *Fake) agentGetInfo(agent hsa.Agent, attr hsa.AgentInfo,
	value unsafe.Pointer) hsa.Status {
	if value == nil {
		return hsa.StatusErrorInvalidArg
	}
	f.mu.Lock()
	isGPU := agent == f.gpu
	isCPU := agent == f.cpu
	f.mu.Unlock()
	if !isGPU && !isCPU {
		return hsa.StatusErrorInvalidArg
	}
	switch attr {
	case hsa.AgentInfoDevice:
		dt := hsa.DeviceTypeCPU
		if isGPU {
			dt = hsa.DeviceTypeGPU
		}
		*(*hsa.DeviceType)(value) = dt
	case hsa.AgentInfoName:
		name := "Fake CPU"
		if isGPU {
			name = "Fake gfx90a"
		}
		writeCString(value, name, 64)
	case hsa.AgentInfoISA:
		isa := ""
		if isGPU {
			isa = "amdgcn-amd-amdhsa--gfx90a"
		}
		writeCString(value, isa, 128)
	case hsa.AgentInfoWavefrontSize:
		wf := uint32(0)
		if isGPU {
			wf = 64
		}
		*(*uint32)(value) = wf
	default:
		return hsa.StatusErrorInvalidArg
	}
	return hsa.StatusSuccess
}

func writeCString(dst unsafe.Pointer, s string, capacity int) {
	buf := unsafe.Slice((*byte)(dst), capacity)
	n := copy(buf[:capacity-1], s)
	buf[n] = 0
}

func (f *Fake) memoryCopy(dst, src uint64, size uint64) hsa.Status {
	if dst == 0 || src == 0 {
		return hsa.StatusErrorInvalidArg
	}
	copy(hsa.SliceAt(dst, int(size)), hsa.SliceAt(src, int(size)))
	return hsa.StatusSuccess
}

func (f *Fake) iteratePoolsTable(agent hsa.Agent, cb hsa.IteratePoolsCallback,
	data unsafe.Pointer) hsa.Status {
	for _, h := range f.sortedPoolHandles() {
		if st := cb(hsa.MemoryPool{Handle: h}, data); st != hsa.StatusSuccess {
			if st == hsa.StatusInfoBreak {
				return hsa.StatusSuccess
			}
			return st
		}
	}
	return hsa.StatusSuccess
}

func (f *Fake) sortedPoolHandles() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := make([]uint64, 0, len(f.pools))
	for h := range f.pools {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

func (f *Fake) poolGetInfo(pool hsa.MemoryPool, attr hsa.PoolInfo,
	value unsafe.Pointer) hsa.Status {
	f.mu.Lock()
	info, ok := f.pools[pool.Handle]
	f.mu.Unlock()
	if !ok || value == nil {
		return hsa.StatusErrorInvalidArg
	}
	switch attr {
	case hsa.PoolInfoSegment:
		*(*hsa.Segment)(value) = info.segment
	case hsa.PoolInfoGlobalFlags:
		*(*uint32)(value) = info.globalFlags
	case hsa.PoolInfoRuntimeAllocAllowed:
		*(*bool)(value) = info.allocAllowed
	case hsa.PoolInfoSize:
		*(*uint64)(value) = apertureSize
	default:
		return hsa.StatusErrorInvalidArg
	}
	return hsa.StatusSuccess
}

func (f *Fake) poolAllocateTable(pool hsa.MemoryPool, size uint64, _ uint32,
	ptr *uint64) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.pools[pool.Handle]
	if !ok || !info.allocAllowed || size == 0 || ptr == nil {
		return hsa.StatusErrorInvalidArg
	}
	base, err := f.apertureAlloc(size)
	if err != nil {
		return hsa.StatusErrorOutOfResources
	}
	f.allocs[base] = size
	*ptr = base
	return hsa.StatusSuccess
}

func (f *Fake) poolFreeTable(ptr uint64) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.allocs[ptr]
	if !ok {
		return hsa.StatusErrorInvalidAlloc
	}
	rounded := (size + pageSize - 1) &^ (pageSize - 1)
	_ = osProtectNone(ptr, rounded)
	delete(f.allocs, ptr)
	return hsa.StatusSuccess
}

func (f *Fake) vmemReserveTable(va *uint64, size uint64, address uint64,
	_ uint64) hsa.Status {
	if va == nil || size == 0 || size%pageSize != 0 {
		return hsa.StatusErrorInvalidArg
	}
	got, err := f.reserveVA(size, address)
	if err != nil {
		return hsa.StatusErrorOutOfResources
	}
	*va = got
	return hsa.StatusSuccess
}

// reserveVA honors the requested base when the range is free, falling back
// to a kernel-chosen placement otherwise, the way the production runtime
// relocates rather than fails.
func (f *Fake) reserveVA(size, address uint64) (uint64, error) {
	got := address
	if address == 0 || osMapNone(address, size) != nil {
		anywhere, err := osMapAnywhere(size)
		if err != nil {
			return 0, err
		}
		got = anywhere
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations[got] = &reservation{base: got, size: size}
	return got, nil
}

func (f *Fake) vmemFreeTable(va uint64, size uint64) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[va]
	if !ok {
		return hsa.StatusErrorInvalidAlloc
	}
	_ = osUnmap(r.base, r.size)
	delete(f.reservations, va)
	return hsa.StatusSuccess
}

func (f *Fake) vmemHandleCreateTable(pool hsa.MemoryPool, size uint64, _ uint32,
	_ uint64, handle *hsa.VmemHandle) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.pools[pool.Handle]
	if !ok || !info.allocAllowed || handle == nil {
		return hsa.StatusErrorInvalidArg
	}
	handle.Handle = f.handleLocked()
	f.vmemHandles[handle.Handle] = size
	return hsa.StatusSuccess
}

func (f *Fake) vmemHandleReleaseTable(handle hsa.VmemHandle) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vmemHandles[handle.Handle]; !ok {
		return hsa.StatusErrorInvalidAlloc
	}
	delete(f.vmemHandles, handle.Handle)
	return hsa.StatusSuccess
}

func (f *Fake) vmemMapTable(va uint64, size uint64, _ uint64,
	handle hsa.VmemHandle, _ uint64) hsa.Status {
	f.mu.Lock()
	r, okRes := f.reservations[va]
	_, okHandle := f.vmemHandles[handle.Handle]
	f.mu.Unlock()
	if !okRes || !okHandle || size > r.size {
		return hsa.StatusErrorInvalidArg
	}
	if err := osProtectRW(va, size); err != nil {
		return hsa.StatusError
	}
	f.mu.Lock()
	r.mapped = true
	r.handle = handle.Handle
	f.mu.Unlock()
	return hsa.StatusSuccess
}

func (f *Fake) vmemUnmapTable(va uint64, size uint64) hsa.Status {
	f.mu.Lock()
	r, ok := f.reservations[va]
	f.mu.Unlock()
	if !ok || !r.mapped {
		return hsa.StatusErrorInvalidAlloc
	}
	_ = osProtectNone(va, size)
	f.mu.Lock()
	r.mapped = false
	r.handle = 0
	f.mu.Unlock()
	return hsa.StatusSuccess
}

func (f *Fake) vmemSetAccessTable(va uint64, _ uint64,
	descs []hsa.MemoryAccessDesc) hsa.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[va]
	if !ok {
		return hsa.StatusErrorInvalidAlloc
	}
	r.access = append(r.access, descs...)
	return hsa.StatusSuccess
}
