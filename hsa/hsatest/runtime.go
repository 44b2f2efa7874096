// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"fmt"
	"unsafe"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// The hsa.Runtime implementation driving the replay side. Most methods are
// thin projections of the table implementations so both sides share one
// set of semantics.

var _ hsa.Runtime = (*Fake)(nil)

func (f *Fake) Agents() ([]hsa.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inited {
		return nil, fmt.Errorf("hsatest: agents before init")
	}
	return []hsa.Agent{f.cpu, f.gpu}, nil
}

func (f *Fake) AgentDeviceType(agent hsa.Agent) (hsa.DeviceType, error) {
	var dt hsa.DeviceType
	st := f.agentGetInfo(agent, hsa.AgentInfoDevice, unsafe.Pointer(&dt))
	return dt, hsa.StatusErr("agent_get_info", st)
}

func (f *Fake) AgentName(agent hsa.Agent) (string, error) {
	var buf [64]byte
	st := f.agentGetInfo(agent, hsa.AgentInfoName, unsafe.Pointer(&buf[0]))
	return cString(buf[:]), hsa.StatusErr("agent_get_info", st)
}

func (f *Fake) AgentISA(agent hsa.Agent) (string, error) {
	var buf [128]byte
	st := f.agentGetInfo(agent, hsa.AgentInfoISA, unsafe.Pointer(&buf[0]))
	return cString(buf[:]), hsa.StatusErr("agent_get_info", st)
}

func (f *Fake) AgentWavefrontSize(agent hsa.Agent) (uint32, error) {
	var wf uint32
	st := f.agentGetInfo(agent, hsa.AgentInfoWavefrontSize, unsafe.Pointer(&wf))
	return wf, hsa.StatusErr("agent_get_info", st)
}

func (f *Fake) AgentMemoryPools(agent hsa.Agent) ([]hsa.MemoryPool, error) {
	pools := make([]hsa.MemoryPool, 0)
	for _, h := range f.sortedPoolHandles() {
		pools = append(pools, hsa.MemoryPool{Handle: h})
	}
	return pools, nil
}

func (f *Fake) PoolSegment(pool hsa.MemoryPool) (hsa.Segment, error) {
	var seg hsa.Segment
	st := f.poolGetInfo(pool, hsa.PoolInfoSegment, unsafe.Pointer(&seg))
	return seg, hsa.StatusErr("pool_get_info", st)
}

func (f *Fake) PoolGlobalFlags(pool hsa.MemoryPool) (uint32, error) {
	var flags uint32
	st := f.poolGetInfo(pool, hsa.PoolInfoGlobalFlags, unsafe.Pointer(&flags))
	return flags, hsa.StatusErr("pool_get_info", st)
}

func (f *Fake) PoolAllocAllowed(pool hsa.MemoryPool) (bool, error) {
	var allowed bool
	st := f.poolGetInfo(pool, hsa.PoolInfoRuntimeAllocAllowed, unsafe.Pointer(&allowed))
	return allowed, hsa.StatusErr("pool_get_info", st)
}

func (f *Fake) PoolAllocate(pool hsa.MemoryPool, size uint64) (uint64, error) {
	var ptr uint64
	st := f.poolAllocateTable(pool, size, 0, &ptr)
	return ptr, hsa.StatusErr("memory_pool_allocate", st)
}

func (f *Fake) PoolFree(ptr uint64) error {
	return hsa.StatusErr("memory_pool_free", f.poolFreeTable(ptr))
}

func (f *Fake) VmemAddressReserve(size, address uint64) (uint64, error) {
	var va uint64
	st := f.vmemReserveTable(&va, size, address, 0)
	return va, hsa.StatusErr("vmem_address_reserve", st)
}

func (f *Fake) VmemAddressFree(va, size uint64) error {
	return hsa.StatusErr("vmem_address_free", f.vmemFreeTable(va, size))
}

func (f *Fake) VmemHandleCreate(pool hsa.MemoryPool, size uint64) (hsa.VmemHandle, error) {
	var handle hsa.VmemHandle
	st := f.vmemHandleCreateTable(pool, size, 0, 0, &handle)
	return handle, hsa.StatusErr("vmem_handle_create", st)
}

func (f *Fake) VmemHandleRelease(handle hsa.VmemHandle) error {
	return hsa.StatusErr("vmem_handle_release", f.vmemHandleReleaseTable(handle))
}

func (f *Fake) VmemMap(va, size, offset uint64, handle hsa.VmemHandle) error {
	return hsa.StatusErr("vmem_map", f.vmemMapTable(va, size, offset, handle, 0))
}

func (f *Fake) VmemUnmap(va, size uint64) error {
	return hsa.StatusErr("vmem_unmap", f.vmemUnmapTable(va, size))
}

func (f *Fake) VmemSetAccess(va, size uint64, descs []hsa.MemoryAccessDesc) error {
	return hsa.StatusErr("vmem_set_access", f.vmemSetAccessTable(va, size, descs))
}

func (f *Fake) CopyToDevice(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	st := f.memoryCopy(dst, hsa.AddressOf(src), uint64(len(src)))
	return hsa.StatusErr("memory_copy", st)
}

func (f *Fake) CopyFromDevice(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	st := f.memoryCopy(hsa.AddressOf(dst), src, uint64(len(dst)))
	return hsa.StatusErr("memory_copy", st)
}

func (f *Fake) ReaderFromMemory(blob []byte) (hsa.CodeObjectReader, error) {
	if len(blob) == 0 {
		return hsa.CodeObjectReader{}, fmt.Errorf("hsatest: empty code object")
	}
	var reader hsa.CodeObjectReader
	st := f.readerCreateFromMemory(unsafe.Pointer(&blob[0]), uint64(len(blob)), &reader)
	return reader, hsa.StatusErr("code_object_reader_create_from_memory", st)
}

func (f *Fake) ReaderDestroy(reader hsa.CodeObjectReader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.readers[reader.Handle]; !ok {
		return fmt.Errorf("hsatest: unknown reader 0x%x", reader.Handle)
	}
	delete(f.readers, reader.Handle)
	return nil
}

func (f *Fake) CreateExecutable() (hsa.Executable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec := hsa.Executable{Handle: f.handleLocked()}
	f.execs[exec.Handle] = &execState{}
	return exec, nil
}

func (f *Fake) LoadAgentCodeObject(exec hsa.Executable, agent hsa.Agent,
	reader hsa.CodeObjectReader) error {
	st := f.loadAgentCodeObjectTable(exec, agent, reader, nil, nil)
	return hsa.StatusErr("executable_load_agent_code_object", st)
}

func (f *Fake) FreezeExecutable(exec hsa.Executable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	es, ok := f.execs[exec.Handle]
	if !ok {
		return fmt.Errorf("hsatest: unknown executable 0x%x", exec.Handle)
	}
	es.frozen = true
	return nil
}

func (f *Fake) DestroyExecutable(exec hsa.Executable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.execs[exec.Handle]; !ok {
		return fmt.Errorf("hsatest: unknown executable 0x%x", exec.Handle)
	}
	delete(f.execs, exec.Handle)
	return nil
}

func (f *Fake) IterateSymbols(exec hsa.Executable, cb func(hsa.ExecutableSymbol) bool) error {
	st := f.iterateSymbolsTable(exec, func(_ hsa.Executable, sym hsa.ExecutableSymbol,
		_ unsafe.Pointer) hsa.Status {
		if !cb(sym) {
			return hsa.StatusInfoBreak
		}
		return hsa.StatusSuccess
	}, nil)
	return hsa.StatusErr("executable_iterate_symbols", st)
}

func (f *Fake) SymbolKind(sym hsa.ExecutableSymbol) (hsa.SymbolKind, error) {
	var kind hsa.SymbolKind
	st := f.symbolGetInfo(sym, hsa.SymbolInfoType, unsafe.Pointer(&kind))
	return kind, hsa.StatusErr("executable_symbol_get_info", st)
}

func (f *Fake) SymbolName(sym hsa.ExecutableSymbol) (string, error) {
	var length uint32
	if st := f.symbolGetInfo(sym, hsa.SymbolInfoNameLength,
		unsafe.Pointer(&length)); !st.Succeeded() {
		return "", hsa.StatusErr("executable_symbol_get_info", st)
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	st := f.symbolGetInfo(sym, hsa.SymbolInfoName, unsafe.Pointer(&buf[0]))
	return string(buf), hsa.StatusErr("executable_symbol_get_info", st)
}

func (f *Fake) SymbolKernelObject(sym hsa.ExecutableSymbol) (uint64, error) {
	var ko uint64
	st := f.symbolGetInfo(sym, hsa.SymbolInfoKernelObject, unsafe.Pointer(&ko))
	return ko, hsa.StatusErr("executable_symbol_get_info", st)
}

func (f *Fake) SymbolKernargSegmentSize(sym hsa.ExecutableSymbol) (uint32, error) {
	var size uint32
	st := f.symbolGetInfo(sym, hsa.SymbolInfoKernargSegmentSize, unsafe.Pointer(&size))
	return size, hsa.StatusErr("executable_symbol_get_info", st)
}

func (f *Fake) SymbolGroupSegmentSize(sym hsa.ExecutableSymbol) (uint32, error) {
	var size uint32
	st := f.symbolGetInfo(sym, hsa.SymbolInfoGroupSegmentSize, unsafe.Pointer(&size))
	return size, hsa.StatusErr("executable_symbol_get_info", st)
}

func (f *Fake) SymbolPrivateSegmentSize(sym hsa.ExecutableSymbol) (uint32, error) {
	var size uint32
	st := f.symbolGetInfo(sym, hsa.SymbolInfoPrivateSegmentSize, unsafe.Pointer(&size))
	return size, hsa.StatusErr("executable_symbol_get_info", st)
}

func (f *Fake) CreateQueue(agent hsa.Agent, size uint32) (*hsa.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newQueueLocked(agent, size, false)
}

func (f *Fake) DestroyQueue(queue *hsa.Queue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[queue]; !ok {
		return fmt.Errorf("hsatest: unknown queue")
	}
	delete(f.queues, queue)
	return nil
}

func (f *Fake) SignalCreate(initial int64) (hsa.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := hsa.Signal{Handle: f.handleLocked()}
	f.signals[s.Handle] = &signalState{value: initial}
	return s, nil
}

func (f *Fake) SignalDestroy(signal hsa.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.signals[signal.Handle]; !ok {
		return fmt.Errorf("hsatest: unknown signal 0x%x", signal.Handle)
	}
	delete(f.signals, signal.Handle)
	return nil
}

func (f *Fake) LoadWriteIndex(queue *hsa.Queue) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if qs, ok := f.queues[queue]; ok {
		return qs.writeIndex
	}
	return 0
}

func (f *Fake) StoreWriteIndex(queue *hsa.Queue, index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if qs, ok := f.queues[queue]; ok {
		qs.writeIndex = index
	}
}

func (f *Fake) RingDoorbell(queue *hsa.Queue, _ uint64) {
	f.ringQueue(queue)
}

func (f *Fake) PacketSlot(queue *hsa.Queue, index uint64) *hsa.KernelDispatchPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs, ok := f.queues[queue]
	if !ok {
		return nil
	}
	return &qs.ring[index%uint64(len(qs.ring))]
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
