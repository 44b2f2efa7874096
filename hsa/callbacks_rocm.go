// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build rocm && linux && cgo

package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

// Exported callback trampolines for the runtime's iterate APIs. Go pointers
// must not cross into C callback user data, so collectors are parked in a
// handle table and addressed by integer key.

/*
#include <hsa/hsa.h>
#include <hsa/hsa_ext_amd.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

type agentCollector struct {
	agents []Agent
}

type poolCollector struct {
	pools []MemoryPool
}

type symbolVisitor struct {
	visit func(ExecutableSymbol) bool
}

var collectorHandles = handleTable{entries: make(map[uintptr]any)}

type handleTable struct {
	mu      sync.Mutex
	entries map[uintptr]any
	next    uintptr
}

func (ht *handleTable) put(v any) uintptr {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.next++
	ht.entries[ht.next] = v
	return ht.next
}

func (ht *handleTable) get(h uintptr) any {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.entries[h]
}

func (ht *handleTable) drop(h uintptr) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	delete(ht.entries, h)
}

//nolint:govet
func handlePtr(h uintptr) unsafe.Pointer {
	return unsafe.Pointer(h)
}

//export kiAgentCB
func kiAgentCB(agent C.hsa_agent_t, data unsafe.Pointer) C.hsa_status_t {
	c, ok := collectorHandles.get(uintptr(data)).(*agentCollector)
	if !ok {
		return C.HSA_STATUS_ERROR
	}
	c.agents = append(c.agents, Agent{Handle: uint64(agent.handle)})
	return C.HSA_STATUS_SUCCESS
}

//export kiPoolCB
func kiPoolCB(pool C.hsa_amd_memory_pool_t, data unsafe.Pointer) C.hsa_status_t {
	c, ok := collectorHandles.get(uintptr(data)).(*poolCollector)
	if !ok {
		return C.HSA_STATUS_ERROR
	}
	c.pools = append(c.pools, MemoryPool{Handle: uint64(pool.handle)})
	return C.HSA_STATUS_SUCCESS
}

//export kiSymbolCB
func kiSymbolCB(_ C.hsa_executable_t, sym C.hsa_executable_symbol_t,
	data unsafe.Pointer) C.hsa_status_t {
	v, ok := collectorHandles.get(uintptr(data)).(*symbolVisitor)
	if !ok {
		return C.HSA_STATUS_ERROR
	}
	if !v.visit(ExecutableSymbol{Handle: uint64(sym.handle)}) {
		return C.HSA_STATUS_INFO_BREAK
	}
	return C.HSA_STATUS_SUCCESS
}
