// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

import "unsafe"

// SliceAt views n bytes of process memory at a numeric address. The caller
// is responsible for the address being mapped and the view not outliving
// the mapping; the capture path only uses it on device-coherent host
// memory owned by the runtime, inside the callback that received it.
//
//nolint:govet
func SliceAt(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// PointerAt converts a numeric address into an unsafe.Pointer.
//
//nolint:govet
func PointerAt(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

// AddressOf returns the numeric address of the first byte of b.
func AddressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
