// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build rocm && linux && cgo

package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

// The production binding to the installed ROCm runtime. Built only with
// the rocm tag; the default build carries the stub in open_stub.go so the
// module compiles without the HSA headers.

/*
#cgo LDFLAGS: -lhsa-runtime64
#include <stdlib.h>
#include <hsa/hsa.h>
#include <hsa/hsa_ext_amd.h>

// Callback trampolines, defined in callbacks_rocm.go.
extern hsa_status_t kiAgentCB(hsa_agent_t agent, void *data);
extern hsa_status_t kiPoolCB(hsa_amd_memory_pool_t pool, void *data);
extern hsa_status_t kiSymbolCB(hsa_executable_t exec, hsa_executable_symbol_t sym, void *data);

static hsa_status_t ki_iterate_agents(void *data) {
	return hsa_iterate_agents(kiAgentCB, data);
}

static hsa_status_t ki_iterate_pools(hsa_agent_t agent, void *data) {
	return hsa_amd_agent_iterate_memory_pools(agent, kiPoolCB, data);
}

static hsa_status_t ki_iterate_symbols(hsa_executable_t exec, void *data) {
	return hsa_executable_iterate_symbols(exec, kiSymbolCB, data);
}

static hsa_status_t ki_vmem_set_access(void *va, size_t size,
		const hsa_amd_memory_access_desc_t *descs, size_t count) {
	return hsa_amd_vmem_set_access(va, size, descs, count);
}

static uint64_t ki_queue_load_write_index(hsa_queue_t *q) {
	return hsa_queue_load_write_index_relaxed(q);
}

static void ki_queue_store_write_index(hsa_queue_t *q, uint64_t index) {
	hsa_queue_store_write_index_screlease(q, index);
}

static void ki_queue_ring(hsa_queue_t *q, uint64_t index) {
	hsa_signal_store_screlease(q->doorbell_signal, (hsa_signal_value_t)index);
}

static void *ki_packet_slot(hsa_queue_t *q, uint64_t index) {
	hsa_kernel_dispatch_packet_t *base =
		(hsa_kernel_dispatch_packet_t *)q->base_address;
	return base + (index & (q->size - 1));
}

static hsa_signal_value_t ki_signal_wait(hsa_signal_t sig,
		hsa_signal_value_t expected, uint64_t timeout_ns) {
	return hsa_signal_wait_scacquire(sig, HSA_SIGNAL_CONDITION_EQ, expected,
		timeout_ns, HSA_WAIT_STATE_BLOCKED);
}
*/
import "C"

import (
	"time"
	"unsafe"
)

// Open returns the binding to the installed runtime.
func Open() (Runtime, error) {
	return &rocmRuntime{}, nil
}

type rocmRuntime struct{}

var _ Runtime = (*rocmRuntime)(nil)

func (*rocmRuntime) Init() error {
	return StatusErr("hsa_init", Status(C.hsa_init()))
}

func (*rocmRuntime) Shutdown() error {
	return StatusErr("hsa_shut_down", Status(C.hsa_shut_down()))
}

func (*rocmRuntime) Agents() ([]Agent, error) {
	collector := &agentCollector{}
	h := collectorHandles.put(collector)
	defer collectorHandles.drop(h)
	st := Status(C.ki_iterate_agents(handlePtr(h)))
	if err := StatusErr("hsa_iterate_agents", st); err != nil {
		return nil, err
	}
	return collector.agents, nil
}

func (*rocmRuntime) AgentDeviceType(agent Agent) (DeviceType, error) {
	var dt C.hsa_device_type_t
	st := Status(C.hsa_agent_get_info(cAgent(agent), C.HSA_AGENT_INFO_DEVICE,
		unsafe.Pointer(&dt)))
	return DeviceType(dt), StatusErr("hsa_agent_get_info", st)
}

func (*rocmRuntime) AgentName(agent Agent) (string, error) {
	var buf [64]C.char
	st := Status(C.hsa_agent_get_info(cAgent(agent), C.HSA_AGENT_INFO_NAME,
		unsafe.Pointer(&buf[0])))
	return C.GoString(&buf[0]), StatusErr("hsa_agent_get_info", st)
}

func (*rocmRuntime) AgentISA(agent Agent) (string, error) {
	var isa C.hsa_isa_t
	st := Status(C.hsa_agent_get_info(cAgent(agent), C.HSA_AGENT_INFO_ISA,
		unsafe.Pointer(&isa)))
	if err := StatusErr("hsa_agent_get_info", st); err != nil {
		return "", err
	}
	var length C.uint32_t
	st = Status(C.hsa_isa_get_info_alt(isa, C.HSA_ISA_INFO_NAME_LENGTH,
		unsafe.Pointer(&length)))
	if err := StatusErr("hsa_isa_get_info_alt", st); err != nil || length == 0 {
		return "", err
	}
	buf := make([]byte, length)
	st = Status(C.hsa_isa_get_info_alt(isa, C.HSA_ISA_INFO_NAME,
		unsafe.Pointer(&buf[0])))
	if err := StatusErr("hsa_isa_get_info_alt", st); err != nil {
		return "", err
	}
	return string(trimNulBytes(buf)), nil
}

func (*rocmRuntime) AgentWavefrontSize(agent Agent) (uint32, error) {
	var wf C.uint32_t
	st := Status(C.hsa_agent_get_info(cAgent(agent),
		C.HSA_AGENT_INFO_WAVEFRONT_SIZE, unsafe.Pointer(&wf)))
	return uint32(wf), StatusErr("hsa_agent_get_info", st)
}

func (*rocmRuntime) AgentMemoryPools(agent Agent) ([]MemoryPool, error) {
	collector := &poolCollector{}
	h := collectorHandles.put(collector)
	defer collectorHandles.drop(h)
	st := Status(C.ki_iterate_pools(cAgent(agent), handlePtr(h)))
	if err := StatusErr("hsa_amd_agent_iterate_memory_pools", st); err != nil {
		return nil, err
	}
	return collector.pools, nil
}

func (*rocmRuntime) PoolSegment(pool MemoryPool) (Segment, error) {
	var seg C.hsa_amd_segment_t
	st := Status(C.hsa_amd_memory_pool_get_info(cPool(pool),
		C.HSA_AMD_MEMORY_POOL_INFO_SEGMENT, unsafe.Pointer(&seg)))
	return Segment(seg), StatusErr("hsa_amd_memory_pool_get_info", st)
}

func (*rocmRuntime) PoolGlobalFlags(pool MemoryPool) (uint32, error) {
	var flags C.uint32_t
	st := Status(C.hsa_amd_memory_pool_get_info(cPool(pool),
		C.HSA_AMD_MEMORY_POOL_INFO_GLOBAL_FLAGS, unsafe.Pointer(&flags)))
	return uint32(flags), StatusErr("hsa_amd_memory_pool_get_info", st)
}

func (*rocmRuntime) PoolAllocAllowed(pool MemoryPool) (bool, error) {
	var allowed C.bool
	st := Status(C.hsa_amd_memory_pool_get_info(cPool(pool),
		C.HSA_AMD_MEMORY_POOL_INFO_RUNTIME_ALLOC_ALLOWED, unsafe.Pointer(&allowed)))
	return bool(allowed), StatusErr("hsa_amd_memory_pool_get_info", st)
}

func (*rocmRuntime) PoolAllocate(pool MemoryPool, size uint64) (uint64, error) {
	var ptr unsafe.Pointer
	st := Status(C.hsa_amd_memory_pool_allocate(cPool(pool), C.size_t(size), 0, &ptr))
	return uint64(uintptr(ptr)), StatusErr("hsa_amd_memory_pool_allocate", st)
}

func (*rocmRuntime) PoolFree(ptr uint64) error {
	st := Status(C.hsa_amd_memory_pool_free(PointerAt(ptr)))
	return StatusErr("hsa_amd_memory_pool_free", st)
}

func (*rocmRuntime) VmemAddressReserve(size, address uint64) (uint64, error) {
	var va unsafe.Pointer
	st := Status(C.hsa_amd_vmem_address_reserve(&va, C.size_t(size),
		C.uint64_t(address), 0))
	return uint64(uintptr(va)), StatusErr("hsa_amd_vmem_address_reserve", st)
}

func (*rocmRuntime) VmemAddressFree(va, size uint64) error {
	st := Status(C.hsa_amd_vmem_address_free(PointerAt(va), C.size_t(size)))
	return StatusErr("hsa_amd_vmem_address_free", st)
}

func (*rocmRuntime) VmemHandleCreate(pool MemoryPool, size uint64) (VmemHandle, error) {
	var handle C.hsa_amd_vmem_alloc_handle_t
	st := Status(C.hsa_amd_vmem_handle_create(cPool(pool), C.size_t(size),
		C.MEMORY_TYPE_NONE, 0, &handle))
	return VmemHandle{Handle: uint64(handle.handle)},
		StatusErr("hsa_amd_vmem_handle_create", st)
}

func (*rocmRuntime) VmemHandleRelease(handle VmemHandle) error {
	ch := C.hsa_amd_vmem_alloc_handle_t{handle: C.uint64_t(handle.Handle)}
	return StatusErr("hsa_amd_vmem_handle_release",
		Status(C.hsa_amd_vmem_handle_release(ch)))
}

func (*rocmRuntime) VmemMap(va, size, offset uint64, handle VmemHandle) error {
	ch := C.hsa_amd_vmem_alloc_handle_t{handle: C.uint64_t(handle.Handle)}
	st := Status(C.hsa_amd_vmem_map(PointerAt(va), C.size_t(size),
		C.size_t(offset), ch, 0))
	return StatusErr("hsa_amd_vmem_map", st)
}

func (*rocmRuntime) VmemUnmap(va, size uint64) error {
	st := Status(C.hsa_amd_vmem_unmap(PointerAt(va), C.size_t(size)))
	return StatusErr("hsa_amd_vmem_unmap", st)
}

func (*rocmRuntime) VmemSetAccess(va, size uint64, descs []MemoryAccessDesc) error {
	cDescs := make([]C.hsa_amd_memory_access_desc_t, len(descs))
	for i, d := range descs {
		cDescs[i].permissions = C.hsa_access_permission_t(d.Permissions)
		cDescs[i].agent_handle = cAgent(d.Agent)
	}
	st := Status(C.ki_vmem_set_access(PointerAt(va), C.size_t(size),
		&cDescs[0], C.size_t(len(cDescs))))
	return StatusErr("hsa_amd_vmem_set_access", st)
}

func (*rocmRuntime) CopyToDevice(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	st := Status(C.hsa_memory_copy(PointerAt(dst),
		unsafe.Pointer(&src[0]), C.size_t(len(src))))
	return StatusErr("hsa_memory_copy", st)
}

func (*rocmRuntime) CopyFromDevice(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	st := Status(C.hsa_memory_copy(unsafe.Pointer(&dst[0]),
		PointerAt(src), C.size_t(len(dst))))
	return StatusErr("hsa_memory_copy", st)
}

func (*rocmRuntime) ReaderFromMemory(blob []byte) (CodeObjectReader, error) {
	var reader C.hsa_code_object_reader_t
	st := Status(C.hsa_code_object_reader_create_from_memory(
		unsafe.Pointer(&blob[0]), C.size_t(len(blob)), &reader))
	return CodeObjectReader{Handle: uint64(reader.handle)},
		StatusErr("hsa_code_object_reader_create_from_memory", st)
}

func (*rocmRuntime) ReaderDestroy(reader CodeObjectReader) error {
	cr := C.hsa_code_object_reader_t{handle: C.uint64_t(reader.Handle)}
	return StatusErr("hsa_code_object_reader_destroy",
		Status(C.hsa_code_object_reader_destroy(cr)))
}

func (*rocmRuntime) CreateExecutable() (Executable, error) {
	var exec C.hsa_executable_t
	st := Status(C.hsa_executable_create_alt(C.HSA_PROFILE_FULL,
		C.HSA_DEFAULT_FLOAT_ROUNDING_MODE_DEFAULT, nil, &exec))
	return Executable{Handle: uint64(exec.handle)},
		StatusErr("hsa_executable_create_alt", st)
}

func (*rocmRuntime) LoadAgentCodeObject(exec Executable, agent Agent,
	reader CodeObjectReader) error {
	ce := C.hsa_executable_t{handle: C.uint64_t(exec.Handle)}
	cr := C.hsa_code_object_reader_t{handle: C.uint64_t(reader.Handle)}
	st := Status(C.hsa_executable_load_agent_code_object(ce, cAgent(agent),
		cr, nil, nil))
	return StatusErr("hsa_executable_load_agent_code_object", st)
}

func (*rocmRuntime) FreezeExecutable(exec Executable) error {
	ce := C.hsa_executable_t{handle: C.uint64_t(exec.Handle)}
	return StatusErr("hsa_executable_freeze",
		Status(C.hsa_executable_freeze(ce, nil)))
}

func (*rocmRuntime) DestroyExecutable(exec Executable) error {
	ce := C.hsa_executable_t{handle: C.uint64_t(exec.Handle)}
	return StatusErr("hsa_executable_destroy",
		Status(C.hsa_executable_destroy(ce)))
}

func (*rocmRuntime) IterateSymbols(exec Executable, cb func(ExecutableSymbol) bool) error {
	collector := &symbolVisitor{visit: cb}
	h := collectorHandles.put(collector)
	defer collectorHandles.drop(h)
	ce := C.hsa_executable_t{handle: C.uint64_t(exec.Handle)}
	st := Status(C.ki_iterate_symbols(ce, handlePtr(h)))
	if st == StatusInfoBreak {
		st = StatusSuccess
	}
	return StatusErr("hsa_executable_iterate_symbols", st)
}

func (*rocmRuntime) SymbolKind(sym ExecutableSymbol) (SymbolKind, error) {
	var kind C.hsa_symbol_kind_t
	st := symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_TYPE, unsafe.Pointer(&kind))
	return SymbolKind(kind), StatusErr("hsa_executable_symbol_get_info", st)
}

func (*rocmRuntime) SymbolName(sym ExecutableSymbol) (string, error) {
	var length C.uint32_t
	st := symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_NAME_LENGTH,
		unsafe.Pointer(&length))
	if err := StatusErr("hsa_executable_symbol_get_info", st); err != nil || length == 0 {
		return "", err
	}
	buf := make([]byte, length)
	st = symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_NAME, unsafe.Pointer(&buf[0]))
	return string(trimNulBytes(buf)), StatusErr("hsa_executable_symbol_get_info", st)
}

func (*rocmRuntime) SymbolKernelObject(sym ExecutableSymbol) (uint64, error) {
	var ko C.uint64_t
	st := symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_KERNEL_OBJECT,
		unsafe.Pointer(&ko))
	return uint64(ko), StatusErr("hsa_executable_symbol_get_info", st)
}

func (*rocmRuntime) SymbolKernargSegmentSize(sym ExecutableSymbol) (uint32, error) {
	var size C.uint32_t
	st := symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_KERNEL_KERNARG_SEGMENT_SIZE,
		unsafe.Pointer(&size))
	return uint32(size), StatusErr("hsa_executable_symbol_get_info", st)
}

func (*rocmRuntime) SymbolGroupSegmentSize(sym ExecutableSymbol) (uint32, error) {
	var size C.uint32_t
	st := symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_KERNEL_GROUP_SEGMENT_SIZE,
		unsafe.Pointer(&size))
	return uint32(size), StatusErr("hsa_executable_symbol_get_info", st)
}

func (*rocmRuntime) SymbolPrivateSegmentSize(sym ExecutableSymbol) (uint32, error) {
	var size C.uint32_t
	st := symbolInfo(sym, C.HSA_EXECUTABLE_SYMBOL_INFO_KERNEL_PRIVATE_SEGMENT_SIZE,
		unsafe.Pointer(&size))
	return uint32(size), StatusErr("hsa_executable_symbol_get_info", st)
}

func (*rocmRuntime) CreateQueue(agent Agent, size uint32) (*Queue, error) {
	var q *C.hsa_queue_t
	st := Status(C.hsa_queue_create(cAgent(agent), C.uint32_t(size),
		C.HSA_QUEUE_TYPE_MULTI, nil, nil, 0, 0, &q))
	return (*Queue)(unsafe.Pointer(q)), StatusErr("hsa_queue_create", st)
}

func (*rocmRuntime) DestroyQueue(queue *Queue) error {
	return StatusErr("hsa_queue_destroy",
		Status(C.hsa_queue_destroy((*C.hsa_queue_t)(unsafe.Pointer(queue)))))
}

func (*rocmRuntime) SignalCreate(initial int64) (Signal, error) {
	var sig C.hsa_signal_t
	st := Status(C.hsa_signal_create(C.hsa_signal_value_t(initial), 0, nil, &sig))
	return Signal{Handle: uint64(sig.handle)}, StatusErr("hsa_signal_create", st)
}

func (*rocmRuntime) SignalDestroy(signal Signal) error {
	cs := C.hsa_signal_t{handle: C.uint64_t(signal.Handle)}
	return StatusErr("hsa_signal_destroy", Status(C.hsa_signal_destroy(cs)))
}

func (*rocmRuntime) SignalWait(signal Signal, expected int64,
	timeout time.Duration) int64 {
	cs := C.hsa_signal_t{handle: C.uint64_t(signal.Handle)}
	return int64(C.ki_signal_wait(cs, C.hsa_signal_value_t(expected),
		C.uint64_t(timeout.Nanoseconds())))
}

func (*rocmRuntime) LoadWriteIndex(queue *Queue) uint64 {
	return uint64(C.ki_queue_load_write_index((*C.hsa_queue_t)(unsafe.Pointer(queue))))
}

func (*rocmRuntime) StoreWriteIndex(queue *Queue, index uint64) {
	C.ki_queue_store_write_index((*C.hsa_queue_t)(unsafe.Pointer(queue)),
		C.uint64_t(index))
}

func (*rocmRuntime) RingDoorbell(queue *Queue, index uint64) {
	C.ki_queue_ring((*C.hsa_queue_t)(unsafe.Pointer(queue)), C.uint64_t(index))
}

func (*rocmRuntime) PacketSlot(queue *Queue, index uint64) *KernelDispatchPacket {
	slot := C.ki_packet_slot((*C.hsa_queue_t)(unsafe.Pointer(queue)),
		C.uint64_t(index))
	return (*KernelDispatchPacket)(slot)
}

func cAgent(agent Agent) C.hsa_agent_t {
	return C.hsa_agent_t{handle: C.uint64_t(agent.Handle)}
}

func cPool(pool MemoryPool) C.hsa_amd_memory_pool_t {
	return C.hsa_amd_memory_pool_t{handle: C.uint64_t(pool.Handle)}
}

func symbolInfo(sym ExecutableSymbol, attr C.hsa_executable_symbol_info_t,
	out unsafe.Pointer) Status {
	cs := C.hsa_executable_symbol_t{handle: C.uint64_t(sym.Handle)}
	return Status(C.hsa_executable_symbol_get_info(cs, attr, out))
}

func trimNulBytes(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
