// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsa

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestPacketTypeFromHeader(t *testing.T) {
	pkt := KernelDispatchPacket{Header: DispatchHeader()}
	assert.Equal(t, PacketTypeKernelDispatch, pkt.PacketType())

	pkt.Header = PacketTypeBarrierAnd | 1<<PacketHeaderBarrier
	assert.Equal(t, PacketTypeBarrierAnd, pkt.PacketType())
}

func TestDispatchPacketLayout(t *testing.T) {
	// The AQL packet is ABI-fixed at 64 bytes; the interceptor views raw
	// queue memory through this struct.
	assert.Equal(t, uintptr(64), unsafe.Sizeof(KernelDispatchPacket{}))
	var pkt KernelDispatchPacket
	assert.Equal(t, uintptr(16), unsafe.Offsetof(pkt.GridSizeY))
	assert.Equal(t, uintptr(40), unsafe.Offsetof(pkt.KernargAddress))
	assert.Equal(t, uintptr(56), unsafe.Offsetof(pkt.CompletionSignal))
}

func TestSliceAtRoundTrip(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	addr := AddressOf(buf)
	view := SliceAt(addr, len(buf))
	assert.Equal(t, buf, view)

	view[0] = 42
	assert.Equal(t, byte(42), buf[0])
}

func TestAddressOfEmpty(t *testing.T) {
	assert.Zero(t, AddressOf(nil))
	assert.Zero(t, AddressOf([]byte{}))
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, StatusErr("x", StatusSuccess))
	err := StatusErr("queue_create", StatusErrorOutOfResources)
	assert.ErrorContains(t, err, "queue_create")
	assert.ErrorContains(t, err, "0x1008")
}
