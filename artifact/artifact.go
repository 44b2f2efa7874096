// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact defines the on-disk capture directory layout shared by
// the capture agent and the replay reconstructor:
//
//	<dir>/dispatch.json
//	<dir>/kernarg.bin
//	<dir>/kernel.hsaco
//	<dir>/memory_regions.json
//	<dir>/memory/region_<hex-base>.bin[.zst]
//
// The replay reads memory_regions.json before touching anything under
// memory/; everything else is order-independent.
package artifact // import "github.com/hsatrace/kernel-isolate/artifact"

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

const (
	DispatchFile = "dispatch.json"
	KernargFile  = "kernarg.bin"
	BinaryFile   = "kernel.hsaco"
	RegionsFile  = "memory_regions.json"
	MemoryDir    = "memory"
	SummaryFile  = "capture_summary.json"

	zstdSuffix = ".zst"
)

// Dim3 is one launch geometry extent triple.
type Dim3 struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
	Z uint32 `json:"z"`
}

// Dispatch is the dispatch.json schema.
type Dispatch struct {
	SessionID          string `json:"session_id"`
	CapturedAt         string `json:"captured_at"`
	KernelName         string `json:"kernel_name"`
	DemangledName      string `json:"demangled_name,omitempty"`
	AgentName          string `json:"agent_name"`
	ISA                string `json:"isa"`
	WavefrontSize      uint32 `json:"wavefront_size"`
	KernelObject       uint64 `json:"kernel_object"`
	GridSize           Dim3   `json:"grid_size"`
	WorkgroupSize      Dim3   `json:"workgroup_size"`
	GroupSegmentSize   uint32 `json:"group_segment_size"`
	PrivateSegmentSize uint32 `json:"private_segment_size"`
	KernargSize        uint32 `json:"kernarg_size"`
	DispatchIndex      uint64 `json:"dispatch_index"`
}

// Region is one entry of memory_regions.json.
type Region struct {
	Base       uint64 `json:"base"`
	Size       uint64 `json:"size"`
	IsPool     bool   `json:"is_pool"`
	IsVmem     bool   `json:"is_vmem"`
	Handle     uint64 `json:"handle"`
	Access     uint32 `json:"access"`
	XXH3       string `json:"xxh3,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
}

// End returns the exclusive end address of the region.
func (r *Region) End() uint64 {
	return r.Base + r.Size
}

// Regions is the memory_regions.json schema.
type Regions struct {
	Regions []Region `json:"regions"`
}

// Summary is the capture_summary.json schema written on agent unload.
type Summary struct {
	DispatchCount uint64 `json:"dispatch_count"`
	Captured      bool   `json:"captured"`
}

// RegionFileName returns the payload file name for a region base, without
// the compression suffix: region_<hex-base>.bin with lowercase hex and no
// 0x prefix.
func RegionFileName(base uint64) string {
	return fmt.Sprintf("region_%x.bin", base)
}

// Checksum returns the hex-encoded xxh3 of a region payload.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// WriteJSON marshals v with indentation and writes it to dir/name.
func WriteJSON(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	if err = os.WriteFile(filepath.Join(dir, name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadJSON reads dir/name into v.
func ReadJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// WriteRegionPayload writes one region's contents under dir/memory/. When
// compress is set and the payload is at least 4 KiB it is zstd-compressed
// and the .zst suffix appended. It reports whether compression was applied.
func WriteRegionPayload(dir string, base uint64, data []byte, compress bool) (bool, error) {
	name := filepath.Join(dir, MemoryDir, RegionFileName(base))
	if !compress || len(data) < 4096 {
		return false, os.WriteFile(name, data, 0o644)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return false, err
	}
	packed := enc.EncodeAll(data, nil)
	_ = enc.Close()
	return true, os.WriteFile(name+zstdSuffix, packed, 0o644)
}

// ReadRegionPayload reads one region's contents, transparently handling
// the compressed form. The returned slice is always r.Size bytes.
func ReadRegionPayload(dir string, r *Region) ([]byte, error) {
	name := filepath.Join(dir, MemoryDir, RegionFileName(r.Base))
	if r.Compressed {
		name += zstdSuffix
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if r.Compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", filepath.Base(name), err)
		}
	}
	if uint64(len(data)) != r.Size {
		return nil, fmt.Errorf("region 0x%x payload is %d bytes, expected %d",
			r.Base, len(data), r.Size)
	}
	return data, nil
}

// ReadDispatch loads and sanity-checks dispatch.json.
func ReadDispatch(dir string) (*Dispatch, error) {
	var d Dispatch
	if err := ReadJSON(dir, DispatchFile, &d); err != nil {
		return nil, err
	}
	if d.KernargSize == 0 {
		return nil, fmt.Errorf("%s: kernarg_size is zero", DispatchFile)
	}
	if d.GridSize.Y == 0 {
		d.GridSize.Y = 1
	}
	if d.GridSize.Z == 0 {
		d.GridSize.Z = 1
	}
	if d.WorkgroupSize.Y == 0 {
		d.WorkgroupSize.Y = 1
	}
	if d.WorkgroupSize.Z == 0 {
		d.WorkgroupSize.Z = 1
	}
	return &d, nil
}

// ReadRegions loads memory_regions.json and validates the region set:
// nonzero sizes and pairwise disjoint address ranges. A capture violating
// either indicates a corrupt artifact and is rejected before any runtime
// work starts.
func ReadRegions(dir string) ([]Region, error) {
	var rs Regions
	if err := ReadJSON(dir, RegionsFile, &rs); err != nil {
		return nil, err
	}
	for i := range rs.Regions {
		r := &rs.Regions[i]
		if r.Size == 0 {
			return nil, fmt.Errorf("region 0x%x has zero size", r.Base)
		}
		for j := range rs.Regions[:i] {
			o := &rs.Regions[j]
			if r.Base < o.End() && o.Base < r.End() {
				return nil, fmt.Errorf("regions 0x%x and 0x%x overlap", o.Base, r.Base)
			}
		}
	}
	return rs.Regions, nil
}

// ReadKernarg loads kernarg.bin and checks it against the captured size.
func ReadKernarg(dir string, size uint32) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, KernargFile))
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) != size {
		return nil, fmt.Errorf("%s is %d bytes, expected %d", KernargFile, len(data), size)
	}
	return data, nil
}
