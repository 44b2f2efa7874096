// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

import "unsafe"

// PacketWriter forwards intercepted packets to the runtime. The interceptor
// must call it with the unmodified packet pointer and count, or the packets
// never reach the GPU.
type PacketWriter func(packets unsafe.Pointer, count uint64)

// PacketInterceptHandler is invoked by the runtime before submitted packets
// become visible to the GPU. packets points at count consecutive 64-byte AQL
// packets in queue memory.
type PacketInterceptHandler func(packets unsafe.Pointer, count uint64,
	userQueueIndex uint64, data unsafe.Pointer, writer PacketWriter)

// QueueErrorCallback mirrors the queue-create error callback parameter. The
// engine passes it through untouched.
type QueueErrorCallback func(status Status, queue *Queue, data unsafe.Pointer)

// IterateSymbolsCallback visits each symbol of an executable.
type IterateSymbolsCallback func(exec Executable, sym ExecutableSymbol,
	data unsafe.Pointer) Status

// IteratePoolsCallback visits each memory pool of an agent.
type IteratePoolsCallback func(pool MemoryPool, data unsafe.Pointer) Status

// CoreTable holds the slots of the runtime's core API dispatch table that
// the engine reads or replaces. Each field corresponds to one function
// pointer in the C table.
type CoreTable struct {
	ExecutableSymbolGetInfo func(sym ExecutableSymbol, attr SymbolInfo,
		value unsafe.Pointer) Status

	ExecutableGetSymbolByName func(exec Executable, name *byte, agent *Agent,
		sym *ExecutableSymbol) Status

	ExecutableIterateSymbols func(exec Executable, cb IterateSymbolsCallback,
		data unsafe.Pointer) Status

	ExecutableLoadAgentCodeObject func(exec Executable, agent Agent,
		reader CodeObjectReader, options *byte, loadedCO unsafe.Pointer) Status

	CodeObjectReaderCreateFromMemory func(base unsafe.Pointer, size uint64,
		reader *CodeObjectReader) Status

	QueueCreate func(agent Agent, size uint32, qtype uint32,
		callback QueueErrorCallback, data unsafe.Pointer,
		privateSegmentSize, groupSegmentSize uint32, queue **Queue) Status

	AgentGetInfo func(agent Agent, attr AgentInfo, value unsafe.Pointer) Status

	MemoryCopy func(dst, src uint64, size uint64) Status
}

// AmdExtTable holds the vendor extension slots the engine uses.
type AmdExtTable struct {
	QueueInterceptCreate func(agent Agent, size uint32, qtype uint32,
		callback QueueErrorCallback, data unsafe.Pointer,
		privateSegmentSize, groupSegmentSize uint32, queue **Queue) Status

	QueueInterceptRegister func(queue *Queue, handler PacketInterceptHandler,
		data unsafe.Pointer) Status

	AgentIterateMemoryPools func(agent Agent, cb IteratePoolsCallback,
		data unsafe.Pointer) Status

	MemoryPoolGetInfo func(pool MemoryPool, attr PoolInfo,
		value unsafe.Pointer) Status

	MemoryPoolAllocate func(pool MemoryPool, size uint64, flags uint32,
		ptr *uint64) Status

	MemoryPoolFree func(ptr uint64) Status

	VmemAddressReserve func(va *uint64, size uint64, address uint64,
		flags uint64) Status

	VmemAddressFree func(va uint64, size uint64) Status

	VmemHandleCreate func(pool MemoryPool, size uint64, memType uint32,
		flags uint64, handle *VmemHandle) Status

	VmemHandleRelease func(handle VmemHandle) Status

	VmemMap func(va uint64, size uint64, inOffset uint64, handle VmemHandle,
		flags uint64) Status

	VmemUnmap func(va uint64, size uint64) Status

	VmemSetAccess func(va uint64, size uint64, descs []MemoryAccessDesc) Status
}

// APITable is the mutable dispatch table handed to the capture agent at
// load time. The engine owns the intercepted slots between OnLoad and
// OnUnload.
type APITable struct {
	Core   *CoreTable
	AmdExt *AmdExtTable
}
