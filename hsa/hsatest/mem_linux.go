// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The fake's device memory is real anonymous memory. Reservations are
// PROT_NONE mappings placed exactly where asked (or anywhere, when the
// requested base is taken); mapping a vmem handle flips the protection to
// read-write, mimicking physical backing arriving behind a reservation.

func osMapNone(addr, size uint64) error {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE),
		^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	if uint64(got) != addr {
		_ = osUnmap(uint64(got), size)
		return unix.EEXIST
	}
	return nil
}

func osMapAnywhere(size uint64) (uint64, error) {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return uint64(got), nil
}

func osUnmap(addr, size uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

//nolint:govet
func osProtect(addr, size uint64, prot int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
	return unix.Mprotect(b, prot)
}

func osProtectRW(addr, size uint64) error {
	return osProtect(addr, size, unix.PROT_READ|unix.PROT_WRITE)
}

func osProtectNone(addr, size uint64) error {
	return osProtect(addr, size, unix.PROT_NONE)
}
