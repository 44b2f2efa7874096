// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hsatest provides an in-memory HSA runtime for tests. Device
// memory is backed by real anonymous mappings at real addresses, so the
// strict virtual-address replay path is exercised for real: reservations
// use MAP_FIXED_NOREPLACE, the SVM aperture is chosen with a heuristic the
// replay's steering has to beat, and kernels are Go functions that chase
// actual pointers through restored memory.
package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"fmt"
	"sync"

	"github.com/hsatrace/kernel-isolate/hsa"
)

const (
	// Aperture candidates the Init heuristic probes, lowest first. Tests
	// relying on steering assume the first candidate is normally free.
	apertureFirstBase uint64 = 0x7a00_0000_0000
	apertureStep      uint64 = 0x1000_0000
	apertureSize      uint64 = 0x400_0000
	apertureProbes           = 16

	pageSize = 4096
)

// Fake is one fake runtime instance. It implements hsa.Runtime for the
// replay side and exposes an API table for the capture side. All methods
// are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	inited   bool
	cpu, gpu hsa.Agent

	aperture struct {
		base uint64
		size uint64
		next uint64 // bump offset for pool allocations
	}

	pools map[uint64]poolInfo // pool handle -> info

	allocs       map[uint64]uint64       // pool allocation base -> size
	reservations map[uint64]*reservation // vmem reservation base -> state
	vmemHandles  map[uint64]uint64       // vmem handle -> size

	readers    map[uint64][]byte      // reader handle -> blob
	execs      map[uint64]*execState  // executable handle -> state
	symbols    map[uint64]*fakeSymbol // symbol handle -> state
	kernelObjs map[uint64]*fakeSymbol // kernel object -> symbol

	queues  map[*hsa.Queue]*queueState
	signals map[uint64]*signalState

	nextHandle uint64

	table *hsa.APITable
}

type poolInfo struct {
	segment      hsa.Segment
	globalFlags  uint32
	allocAllowed bool
}

type reservation struct {
	base   uint64
	size   uint64
	mapped bool
	handle uint64
	access []hsa.MemoryAccessDesc
}

type execState struct {
	blob    []byte
	frozen  bool
	symbols []*fakeSymbol
}

type fakeSymbol struct {
	handle             uint64
	name               string
	kernelObject       uint64
	kernargSize        uint32
	groupSegmentSize   uint32
	privateSegmentSize uint32
}

// New returns an uninitialized fake runtime. Call Init (directly, or via
// the replay path) before allocating memory or creating queues.
func New() *Fake {
	f := &Fake{
		pools:        make(map[uint64]poolInfo),
		allocs:       make(map[uint64]uint64),
		reservations: make(map[uint64]*reservation),
		vmemHandles:  make(map[uint64]uint64),
		readers:      make(map[uint64][]byte),
		execs:        make(map[uint64]*execState),
		symbols:      make(map[uint64]*fakeSymbol),
		kernelObjs:   make(map[uint64]*fakeSymbol),
		queues:       make(map[*hsa.Queue]*queueState),
		signals:      make(map[uint64]*signalState),
		nextHandle:   0x1000,
	}
	f.buildTable()
	return f
}

func (f *Fake) handleLocked() uint64 {
	f.nextHandle++
	return f.nextHandle
}

// Init brings the runtime up: agents, pools, and the SVM aperture. The
// aperture base is chosen by probing candidate ranges lowest-first with
// non-replacing mappings, mimicking the production runtime's heuristic of
// picking from the live process layout.
func (f *Fake) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inited {
		return fmt.Errorf("hsatest: double init")
	}

	base, err := probeAperture()
	if err != nil {
		return err
	}
	f.aperture.base = base
	f.aperture.size = apertureSize
	f.aperture.next = 0

	f.cpu = hsa.Agent{Handle: f.handleLocked()}
	f.gpu = hsa.Agent{Handle: f.handleLocked()}

	// One fine-grained and one coarse-grained global pool plus a group
	// pool that must never be selected as backing.
	f.pools[f.handleLocked()] = poolInfo{
		segment: hsa.SegmentGroup, allocAllowed: false,
	}
	f.pools[f.handleLocked()] = poolInfo{
		segment: hsa.SegmentGlobal, allocAllowed: true,
		globalFlags: hsa.PoolGlobalFlagCoarseGrained,
	}
	f.pools[f.handleLocked()] = poolInfo{
		segment: hsa.SegmentGlobal, allocAllowed: true,
		globalFlags: hsa.PoolGlobalFlagFineGrained | hsa.PoolGlobalFlagKernargInit,
	}

	f.inited = true
	return nil
}

// Shutdown releases every mapping the fake owns. After Shutdown the
// captured address ranges are free again, so a second Fake in the same
// process can replay into them.
func (f *Fake) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inited {
		return fmt.Errorf("hsatest: shutdown before init")
	}
	for base := range f.reservations {
		r := f.reservations[base]
		_ = osUnmap(r.base, r.size)
		delete(f.reservations, base)
	}
	if f.aperture.size > 0 {
		_ = osUnmap(f.aperture.base, f.aperture.size)
		f.aperture.size = 0
	}
	f.allocs = make(map[uint64]uint64)
	f.inited = false
	return nil
}

func probeAperture() (uint64, error) {
	for i := range uint64(apertureProbes) {
		base := apertureFirstBase + i*apertureStep
		if err := osMapNone(base, apertureSize); err == nil {
			return base, nil
		}
	}
	return 0, fmt.Errorf("hsatest: no aperture candidate free")
}

// ApertureBase reports where the Init heuristic placed the aperture.
func (f *Fake) ApertureBase() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aperture.base
}

// apertureAlloc carves size bytes out of the aperture, page aligned, and
// makes them accessible.
func (f *Fake) apertureAlloc(size uint64) (uint64, error) {
	rounded := (size + pageSize - 1) &^ (pageSize - 1)
	if f.aperture.next+rounded > f.aperture.size {
		return 0, fmt.Errorf("hsatest: aperture exhausted")
	}
	base := f.aperture.base + f.aperture.next
	f.aperture.next += rounded
	if err := osProtectRW(base, rounded); err != nil {
		return 0, err
	}
	return base, nil
}
