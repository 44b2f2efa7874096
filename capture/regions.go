// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// RegionKind discriminates how a device region came to exist.
type RegionKind uint8

const (
	RegionPool RegionKind = iota
	RegionVmem
)

// DeviceRegion is one contiguous range of device virtual addresses.
type DeviceRegion struct {
	Base uint64
	Size uint64
	Kind RegionKind
	// Handle is the backing allocation handle of a mapped vmem region.
	// Zero means reserved but not mapped. Unused for pool regions.
	Handle uint64
	// AccessMask accumulates the permission bits granted via set-access.
	AccessMask uint32
}

// regionCapacity is the preallocated tracker size. Hooks must not allocate,
// so regions beyond the capacity are dropped rather than grown into.
const regionCapacity = 256

// RegionTracker maintains the set of live device-memory regions. All
// mutation happens inside runtime hooks, so the backing storage is
// preallocated and removal swaps with the last element to stay O(1).
type RegionTracker struct {
	mu           sync.Mutex
	regions      []DeviceRegion
	droppedWarn  bool
	droppedCount uint64
}

// NewRegionTracker returns a tracker with preallocated capacity.
func NewRegionTracker() *RegionTracker {
	return &RegionTracker{
		regions: make([]DeviceRegion, 0, regionCapacity),
	}
}

// InsertPool records a pool allocation.
func (rt *RegionTracker) InsertPool(base, size uint64) {
	rt.insert(DeviceRegion{Base: base, Size: size, Kind: RegionPool})
}

// InsertVmem records a vmem address reservation.
func (rt *RegionTracker) InsertVmem(base, size uint64) {
	rt.insert(DeviceRegion{Base: base, Size: size, Kind: RegionVmem})
}

func (rt *RegionTracker) insert(r DeviceRegion) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.regions) == cap(rt.regions) {
		rt.droppedCount++
		if !rt.droppedWarn {
			rt.droppedWarn = true
			logrus.Warnf("Region tracker full (%d regions), dropping 0x%x",
				cap(rt.regions), r.Base)
		}
		return
	}
	rt.regions = append(rt.regions, r)
}

// RemovePool drops the pool region starting at base. Unknown bases are
// ignored: they belong to allocations observed before the agent loaded.
func (rt *RegionTracker) RemovePool(base uint64) {
	rt.removeAt(base, RegionPool)
}

// RemoveVmem drops the vmem region starting at base, on unmap.
func (rt *RegionTracker) RemoveVmem(base uint64) {
	rt.removeAt(base, RegionVmem)
}

func (rt *RegionTracker) removeAt(base uint64, kind RegionKind) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := range rt.regions {
		if rt.regions[i].Base == base && rt.regions[i].Kind == kind {
			last := len(rt.regions) - 1
			rt.regions[i] = rt.regions[last]
			rt.regions = rt.regions[:last]
			return
		}
	}
}

// AttachHandle records the backing handle of a vmem region on map. The
// mapped size may be smaller than the reservation; the region keeps the
// reserved extent.
func (rt *RegionTracker) AttachHandle(base uint64, handle hsa.VmemHandle) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := range rt.regions {
		if rt.regions[i].Base == base && rt.regions[i].Kind == RegionVmem {
			rt.regions[i].Handle = handle.Handle
			return
		}
	}
}

// MergeAccess ORs the permission bits of each descriptor into the vmem
// region at base.
func (rt *RegionTracker) MergeAccess(base uint64, descs []hsa.MemoryAccessDesc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := range rt.regions {
		if rt.regions[i].Base == base && rt.regions[i].Kind == RegionVmem {
			for _, d := range descs {
				rt.regions[i].AccessMask |= uint32(d.Permissions)
			}
			return
		}
	}
}

// Snapshot copies out the live region list. The copy is taken under the
// lock; callers do their I/O and device copies on the copy, off the lock.
func (rt *RegionTracker) Snapshot() []DeviceRegion {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]DeviceRegion, len(rt.regions))
	copy(out, rt.regions)
	return out
}

// Len returns the live region count.
func (rt *RegionTracker) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.regions)
}

// Dropped returns how many regions were dropped to the capacity cap.
func (rt *RegionTracker) Dropped() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.droppedCount
}
