// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"encoding/binary"
	"math"

	"github.com/hsatrace/kernel-isolate/hsa"
)

// Builtin kernels shared across the engine's tests. Names are the mangled
// forms the runtime would report (minus the ".kd" suffix the loader adds).
const (
	// SaxpyKernel computes out[i] = 2*x[i] + y[i] over grid-x float32
	// elements. Kernarg: three 8-byte device pointers (x, y, out).
	SaxpyKernel     = "_Z5saxpyPfS_S_"
	SaxpyKernargLen = 24

	// Increment16Kernel increments 16 int32 values behind one pointer.
	// Kernarg: one 8-byte device pointer.
	Increment16Kernel     = "_Z12increment_16Pi"
	Increment16KernargLen = 8

	// ListSumKernel walks a linked list of {value int64, next ptr} nodes
	// and stores the sum. Kernarg: head pointer, result pointer.
	ListSumKernel     = "_Z8list_sumP8ListNodePl"
	ListSumKernargLen = 16
)

func init() {
	RegisterKernel(SaxpyKernel, saxpyBehavior)
	RegisterKernel(Increment16Kernel, increment16Behavior)
	RegisterKernel(ListSumKernel, listSumBehavior)
}

func saxpyBehavior(d Dispatch) {
	x := binary.LittleEndian.Uint64(d.Kernarg[0:])
	y := binary.LittleEndian.Uint64(d.Kernarg[8:])
	out := binary.LittleEndian.Uint64(d.Kernarg[16:])
	n := int(d.Grid[0])
	xs := hsa.SliceAt(x, n*4)
	ys := hsa.SliceAt(y, n*4)
	outs := hsa.SliceAt(out, n*4)
	for i := range n {
		xv := math.Float32frombits(binary.LittleEndian.Uint32(xs[i*4:]))
		yv := math.Float32frombits(binary.LittleEndian.Uint32(ys[i*4:]))
		binary.LittleEndian.PutUint32(outs[i*4:], math.Float32bits(2*xv+yv))
	}
}

func increment16Behavior(d Dispatch) {
	ptr := binary.LittleEndian.Uint64(d.Kernarg[0:])
	buf := hsa.SliceAt(ptr, 16*4)
	for i := range 16 {
		v := binary.LittleEndian.Uint32(buf[i*4:])
		binary.LittleEndian.PutUint32(buf[i*4:], v+1)
	}
}

func listSumBehavior(d Dispatch) {
	node := binary.LittleEndian.Uint64(d.Kernarg[0:])
	result := binary.LittleEndian.Uint64(d.Kernarg[8:])
	var sum int64
	for node != 0 {
		raw := hsa.SliceAt(node, 16)
		sum += int64(binary.LittleEndian.Uint64(raw[0:]))
		node = binary.LittleEndian.Uint64(raw[8:])
	}
	binary.LittleEndian.PutUint64(hsa.SliceAt(result, 8), uint64(sum))
}
