// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package replay // import "github.com/hsatrace/kernel-isolate/replay"

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapPlaceholder installs an anonymous PROT_NONE mapping at exactly addr.
// MAP_FIXED_NOREPLACE makes the kernel fail with EEXIST instead of
// clobbering whatever already lives there.
func mapPlaceholder(addr, size uint64) error {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE),
		^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	if uint64(got) != addr {
		// Pre-4.17 kernels ignore MAP_FIXED_NOREPLACE and fall back to
		// hint semantics; undo the stray mapping.
		_ = unmapPlaceholder(uint64(got), size)
		return fmt.Errorf("mapped at 0x%x instead of 0x%x", got, addr)
	}
	return nil
}

func unmapPlaceholder(addr, size uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
