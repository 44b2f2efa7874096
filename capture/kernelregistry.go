// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/hsatrace/kernel-isolate/capture"

import (
	"strings"
	"sync"

	"github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	"github.com/zeebo/xxh3"
)

// demangleCacheSize bounds the demangled-name cache. Misses only cost a
// re-demangle, so a modest cap is fine.
const demangleCacheSize = 512

// KernelRecord describes one kernel-object handle. Records are interned on
// first sight and never mutated afterwards.
type KernelRecord struct {
	MangledName   string
	DemangledName string
	KernargSize   uint32
}

// MatchName returns the name the dispatch matcher should match against:
// the demangled name when demangling succeeded, else the mangled one.
func (r *KernelRecord) MatchName() string {
	if r.DemangledName != "" {
		return r.DemangledName
	}
	return r.MangledName
}

// KernelRegistry maps kernel-object handles to their records. It tolerates
// lookups before any symbol has been observed.
type KernelRegistry struct {
	mu      sync.Mutex
	records map[uint64]*KernelRecord
	names   *freelru.LRU[string, string]
}

// NewKernelRegistry returns an empty registry.
func NewKernelRegistry() *KernelRegistry {
	names, err := freelru.New[string, string](demangleCacheSize,
		func(s string) uint32 { return uint32(xxh3.HashString(s)) })
	if err != nil {
		// Only reachable with an invalid capacity constant.
		panic(err)
	}
	return &KernelRegistry{
		records: make(map[uint64]*KernelRecord),
		names:   names,
	}
}

// Intern records a kernel-object handle on first sight. Later calls for the
// same handle are no-ops; the first observation wins.
func (kr *KernelRegistry) Intern(kernelObject uint64, mangled string, kernargSize uint32) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if _, ok := kr.records[kernelObject]; ok {
		return
	}
	kr.records[kernelObject] = &KernelRecord{
		MangledName:   mangled,
		DemangledName: kr.demangleLocked(mangled),
		KernargSize:   kernargSize,
	}
}

// Lookup returns the record for a kernel-object handle, if present.
func (kr *KernelRegistry) Lookup(kernelObject uint64) (*KernelRecord, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	rec, ok := kr.records[kernelObject]
	return rec, ok
}

// Len returns the number of interned records.
func (kr *KernelRegistry) Len() int {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return len(kr.records)
}

// demangleLocked resolves the demangled form of a mangled kernel name,
// returning "" when demangling fails. The runtime reports kernel symbols
// with a trailing ".kd" which is stripped before demangling.
func (kr *KernelRegistry) demangleLocked(mangled string) string {
	if cached, ok := kr.names.Get(mangled); ok {
		return cached
	}
	name := strings.TrimSuffix(mangled, ".kd")
	out, err := demangle.ToString(name)
	if err != nil {
		out = ""
	}
	kr.names.Add(mangled, out)
	return out
}
