// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package replay // import "github.com/hsatrace/kernel-isolate/replay"

import "errors"

// The replay error taxonomy. Failures of pool selection, region restore,
// binary load and dispatch wrap exactly one of these so the caller can map
// it to an exit code; relocation is the only one with a dedicated code.
// Artifact parse, runtime init and agent enumeration errors wrap none of
// them and map to 1.
var (
	ErrRegionRelocated    = errors.New("region-relocated")
	ErrBackingPoolMissing = errors.New("backing-pool-missing")
	ErrBinaryLoadFailed   = errors.New("binary-load-failed")
	ErrSymbolNotFound     = errors.New("symbol-not-found")
	ErrKernargAllocFailed = errors.New("kernarg-alloc-failed")
	ErrQueueCreateFailed  = errors.New("queue-create-failed")
	ErrCopyFailed         = errors.New("copy-failed")
	ErrDispatchTimeout    = errors.New("dispatch-timeout")
)

// ExitCode maps a replay error to the process exit code: 0 on nil, 2 for a
// detected VA relocation, 1 for everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRegionRelocated):
		return 2
	default:
		return 1
	}
}
