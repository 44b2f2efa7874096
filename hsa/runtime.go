// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

import (
	"errors"
	"fmt"
	"time"
)

// ErrRuntimeUnavailable is returned by Open when the binary was built
// without a production runtime binding.
var ErrRuntimeUnavailable = errors.New("hsa: runtime binding not built in")

// StatusErr converts a failed runtime status into an error, or nil.
func StatusErr(op string, s Status) error {
	if s.Succeeded() {
		return nil
	}
	return &RuntimeError{Op: op, Status: s}
}

// RuntimeError carries the runtime status of a failed call.
type RuntimeError struct {
	Op     string
	Status Status
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("hsa: %s failed with status 0x%x", e.Op, int32(e.Status))
}

// Runtime is the surface the replay reconstructor drives. The production
// implementation is a cgo binding to the installed runtime; tests use the
// in-memory fake in hsa/hsatest.
type Runtime interface {
	Init() error
	Shutdown() error

	// Agents returns every agent known to the runtime, in enumeration order.
	Agents() ([]Agent, error)
	AgentDeviceType(agent Agent) (DeviceType, error)
	AgentName(agent Agent) (string, error)
	AgentISA(agent Agent) (string, error)
	AgentWavefrontSize(agent Agent) (uint32, error)

	AgentMemoryPools(agent Agent) ([]MemoryPool, error)
	PoolSegment(pool MemoryPool) (Segment, error)
	PoolGlobalFlags(pool MemoryPool) (uint32, error)
	PoolAllocAllowed(pool MemoryPool) (bool, error)
	PoolAllocate(pool MemoryPool, size uint64) (uint64, error)
	PoolFree(ptr uint64) error

	// VmemAddressReserve reserves size bytes of device VA, requesting the
	// given base address. The runtime may return a different address; the
	// caller is responsible for rejecting relocations.
	VmemAddressReserve(size, address uint64) (uint64, error)
	VmemAddressFree(va, size uint64) error
	VmemHandleCreate(pool MemoryPool, size uint64) (VmemHandle, error)
	VmemHandleRelease(handle VmemHandle) error
	VmemMap(va, size, offset uint64, handle VmemHandle) error
	VmemUnmap(va, size uint64) error
	VmemSetAccess(va, size uint64, descs []MemoryAccessDesc) error

	CopyToDevice(dst uint64, src []byte) error
	CopyFromDevice(dst []byte, src uint64) error

	ReaderFromMemory(blob []byte) (CodeObjectReader, error)
	ReaderDestroy(reader CodeObjectReader) error
	CreateExecutable() (Executable, error)
	LoadAgentCodeObject(exec Executable, agent Agent, reader CodeObjectReader) error
	FreezeExecutable(exec Executable) error
	DestroyExecutable(exec Executable) error

	// IterateSymbols visits the executable's symbols until the callback
	// returns false.
	IterateSymbols(exec Executable, cb func(ExecutableSymbol) bool) error
	SymbolKind(sym ExecutableSymbol) (SymbolKind, error)
	SymbolName(sym ExecutableSymbol) (string, error)
	SymbolKernelObject(sym ExecutableSymbol) (uint64, error)
	SymbolKernargSegmentSize(sym ExecutableSymbol) (uint32, error)
	SymbolGroupSegmentSize(sym ExecutableSymbol) (uint32, error)
	SymbolPrivateSegmentSize(sym ExecutableSymbol) (uint32, error)

	CreateQueue(agent Agent, size uint32) (*Queue, error)
	DestroyQueue(queue *Queue) error
	SignalCreate(initial int64) (Signal, error)
	SignalDestroy(signal Signal) error
	// SignalWait blocks until the signal value equals expected, or the
	// timeout expires. It returns the observed value.
	SignalWait(signal Signal, expected int64, timeout time.Duration) int64

	LoadWriteIndex(queue *Queue) uint64
	StoreWriteIndex(queue *Queue, index uint64)
	RingDoorbell(queue *Queue, index uint64)
	// PacketSlot returns the dispatch packet slot at index in the queue's
	// ring buffer (index is taken modulo the queue size).
	PacketSlot(queue *Queue, index uint64) *KernelDispatchPacket
}
