// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake code objects start with the ELF magic (real hsaco files are ELF
// shared objects and consumers check exactly that) followed by a marker
// and a JSON kernel table.
var codeObjectMagic = []byte{0x7f, 'E', 'L', 'F', 'F', 'A', 'K', 'E'}

// KernelSpec declares one kernel inside a fake code object.
type KernelSpec struct {
	// Name is the symbol name as the runtime reports it, typically a
	// mangled C++ name. The loader appends the ".kd" descriptor suffix.
	Name               string `json:"name"`
	KernargSize        uint32 `json:"kernarg_size"`
	GroupSegmentSize   uint32 `json:"group_segment_size"`
	PrivateSegmentSize uint32 `json:"private_segment_size"`
}

// BuildCodeObject serializes kernel specs into a loadable fake code object.
func BuildCodeObject(kernels ...KernelSpec) []byte {
	table, err := json.Marshal(kernels)
	if err != nil {
		panic(err)
	}
	return append(append([]byte{}, codeObjectMagic...), table...)
}

func parseCodeObject(blob []byte) ([]KernelSpec, error) {
	if !bytes.HasPrefix(blob, codeObjectMagic) {
		return nil, fmt.Errorf("hsatest: not a fake code object")
	}
	var kernels []KernelSpec
	if err := json.Unmarshal(blob[len(codeObjectMagic):], &kernels); err != nil {
		return nil, fmt.Errorf("hsatest: corrupt kernel table: %w", err)
	}
	if len(kernels) == 0 {
		return nil, fmt.Errorf("hsatest: code object declares no kernels")
	}
	return kernels, nil
}

// Dispatch carries the launch geometry a behavior runs with.
type Dispatch struct {
	Grid      [3]uint32
	Workgroup [3]uint32
	Kernarg   []byte
}

// Behavior is the host-side body of a fake kernel. Kernarg bytes hold real
// process addresses when the launch arguments carry pointers; behaviors
// dereference them through hsa.SliceAt like device code would.
type Behavior func(d Dispatch)

var behaviors struct {
	mu sync.Mutex
	m  map[string]Behavior
}

// RegisterKernel binds a behavior to a kernel symbol name (without the
// ".kd" suffix). The registry is process-wide so a capture-phase fake and
// a replay-phase fake resolve the same kernels.
func RegisterKernel(name string, fn Behavior) {
	behaviors.mu.Lock()
	defer behaviors.mu.Unlock()
	if behaviors.m == nil {
		behaviors.m = make(map[string]Behavior)
	}
	behaviors.m[name] = fn
}

func lookupBehavior(name string) (Behavior, bool) {
	behaviors.mu.Lock()
	defer behaviors.mu.Unlock()
	fn, ok := behaviors.m[name]
	return fn, ok
}
