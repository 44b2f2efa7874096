// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// App drives the fake the way a host application drives the runtime:
// through the API dispatch table, so any hooks installed into the table
// observe every call.
type App struct {
	f *Fake
}

// App returns the application-side view of the fake.
func (f *Fake) App() *App {
	return &App{f: f}
}

// GPU returns the fake's GPU agent.
func (a *App) GPU() hsa.Agent {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	return a.f.gpu
}

// LoadCodeObject loads a code object blob onto the GPU agent through the
// table: reader creation and the agent load run through whatever wrappers
// are installed.
func (a *App) LoadCodeObject(blob []byte) (hsa.Executable, error) {
	var reader hsa.CodeObjectReader
	st := a.f.table.Core.CodeObjectReaderCreateFromMemory(
		unsafe.Pointer(&blob[0]), uint64(len(blob)), &reader)
	if err := hsa.StatusErr("code_object_reader_create_from_memory", st); err != nil {
		return hsa.Executable{}, err
	}
	exec, err := a.f.CreateExecutable()
	if err != nil {
		return hsa.Executable{}, err
	}
	st = a.f.table.Core.ExecutableLoadAgentCodeObject(exec, a.GPU(), reader, nil, nil)
	if err := hsa.StatusErr("executable_load_agent_code_object", st); err != nil {
		return hsa.Executable{}, err
	}
	return exec, a.f.FreezeExecutable(exec)
}

// KernelObject resolves a kernel symbol by its base name and queries its
// kernel-object attribute through the table, the call pattern the capture
// agent's fallback intern path keys on.
func (a *App) KernelObject(exec hsa.Executable, name string) (uint64, error) {
	var found hsa.ExecutableSymbol
	err := a.f.IterateSymbols(exec, func(sym hsa.ExecutableSymbol) bool {
		n, err := a.f.SymbolName(sym)
		if err != nil {
			return true
		}
		if n == name || n == name+".kd" {
			found = sym
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found.Handle == 0 {
		return 0, fmt.Errorf("hsatest: no kernel symbol %q", name)
	}
	var ko uint64
	st := a.f.table.Core.ExecutableSymbolGetInfo(found,
		hsa.SymbolInfoKernelObject, unsafe.Pointer(&ko))
	return ko, hsa.StatusErr("executable_symbol_get_info", st)
}

// CreateQueue creates an application queue through the table.
func (a *App) CreateQueue(size uint32) (*hsa.Queue, error) {
	var q *hsa.Queue
	st := a.f.table.Core.QueueCreate(a.GPU(), size, hsa.QueueTypeMulti,
		nil, nil, 0, 0, &q)
	return q, hsa.StatusErr("queue_create", st)
}

// FineGrainedPool returns the agent's fine-grained global pool.
func (a *App) FineGrainedPool() (hsa.MemoryPool, error) {
	for _, h := range a.f.sortedPoolHandles() {
		pool := hsa.MemoryPool{Handle: h}
		flags, err := a.f.PoolGlobalFlags(pool)
		if err == nil && flags&hsa.PoolGlobalFlagFineGrained != 0 {
			return pool, nil
		}
	}
	return hsa.MemoryPool{}, fmt.Errorf("hsatest: no fine-grained pool")
}

// Alloc carves a device buffer from the fine-grained pool through the
// table.
func (a *App) Alloc(size uint64) (uint64, error) {
	pool, err := a.FineGrainedPool()
	if err != nil {
		return 0, err
	}
	var ptr uint64
	st := a.f.table.AmdExt.MemoryPoolAllocate(pool, size, 0, &ptr)
	return ptr, hsa.StatusErr("memory_pool_allocate", st)
}

// Free releases a device buffer through the table.
func (a *App) Free(ptr uint64) error {
	return hsa.StatusErr("memory_pool_free", a.f.table.AmdExt.MemoryPoolFree(ptr))
}

// WriteMemory fills device memory at addr, the way a host would through a
// coherent mapping.
func (a *App) WriteMemory(addr uint64, data []byte) {
	copy(hsa.SliceAt(addr, len(data)), data)
}

// ReadMemory copies size bytes of device memory at addr.
func (a *App) ReadMemory(addr uint64, size int) []byte {
	out := make([]byte, size)
	copy(out, hsa.SliceAt(addr, size))
	return out
}

// Dispatch submits one kernel dispatch on the queue and waits for its
// completion signal.
func (a *App) Dispatch(q *hsa.Queue, kernelObject uint64,
	grid, workgroup [3]uint32, kernargAddr uint64) error {
	signal, err := a.f.SignalCreate(1)
	if err != nil {
		return err
	}
	defer func() { _ = a.f.SignalDestroy(signal) }()

	index := a.f.LoadWriteIndex(q)
	pkt := a.f.PacketSlot(q, index)
	*pkt = hsa.KernelDispatchPacket{
		Setup:            1,
		WorkgroupSizeX:   uint16(workgroup[0]),
		WorkgroupSizeY:   uint16(max(workgroup[1], 1)),
		WorkgroupSizeZ:   uint16(max(workgroup[2], 1)),
		GridSizeX:        grid[0],
		GridSizeY:        max(grid[1], 1),
		GridSizeZ:        max(grid[2], 1),
		KernelObject:     kernelObject,
		KernargAddress:   kernargAddr,
		CompletionSignal: signal,
	}
	pkt.Header = hsa.DispatchHeader()
	a.f.StoreWriteIndex(q, index+1)
	a.f.RingDoorbell(q, index)

	if value := a.f.SignalWait(signal, 0, 5*time.Second); value != 0 {
		return fmt.Errorf("hsatest: dispatch did not complete, signal at %d", value)
	}
	return nil
}
