// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hsatest // import "github.com/hsatrace/kernel-isolate/hsa/hsatest"

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/hsatrace/kernel-isolate/hsa"
)

type queueState struct {
	q     *hsa.Queue
	agent hsa.Agent
	ring  []hsa.KernelDispatchPacket

	readIndex  uint64
	writeIndex uint64

	interceptable   bool
	interceptor     hsa.PacketInterceptHandler
	interceptorData unsafe.Pointer
}

type signalState struct {
	value int64
}

func (f *Fake) newQueueLocked(agent hsa.Agent, size uint32, interceptable bool) (*hsa.Queue, error) {
	if !f.inited {
		return nil, fmt.Errorf("hsatest: queue create before init")
	}
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("hsatest: queue size %d is not a power of two", size)
	}
	ring := make([]hsa.KernelDispatchPacket, size)
	doorbell := hsa.Signal{Handle: f.handleLocked()}
	f.signals[doorbell.Handle] = &signalState{}
	q := &hsa.Queue{
		Type:           hsa.QueueTypeMulti,
		BaseAddress:    uint64(uintptr(unsafe.Pointer(&ring[0]))),
		DoorbellSignal: doorbell,
		Size:           size,
		ID:             f.handleLocked(),
	}
	f.queues[q] = &queueState{
		q:             q,
		agent:         agent,
		ring:          ring,
		interceptable: interceptable,
	}
	return q, nil
}

// process delivers every packet between the read and write index, through
// the interceptor when one is registered, then executes them the way the
// packet processor would. Runs on the ringing goroutine.
func (f *Fake) process(qs *queueState, pkts []hsa.KernelDispatchPacket) {
	if len(pkts) == 0 {
		return
	}
	if qs.interceptor != nil {
		qs.interceptor(unsafe.Pointer(&pkts[0]), uint64(len(pkts)), qs.readIndex,
			qs.interceptorData,
			func(packets unsafe.Pointer, count uint64) {
				f.executePackets(unsafe.Slice((*hsa.KernelDispatchPacket)(packets), count))
			})
		return
	}
	f.executePackets(pkts)
}

// executePackets runs dispatch packets by invoking the registered behavior
// of each kernel. Non-dispatch packets complete without side effects.
func (f *Fake) executePackets(pkts []hsa.KernelDispatchPacket) {
	for i := range pkts {
		pkt := &pkts[i]
		if pkt.PacketType() == hsa.PacketTypeKernelDispatch {
			f.runKernel(pkt)
		}
		if pkt.CompletionSignal.Handle != 0 {
			f.signalStore(pkt.CompletionSignal, 0)
		}
	}
}

func (f *Fake) runKernel(pkt *hsa.KernelDispatchPacket) {
	f.mu.Lock()
	sym, ok := f.kernelObjs[pkt.KernelObject]
	f.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("hsatest: dispatch of unknown kernel object 0x%x", pkt.KernelObject))
	}
	fn, ok := lookupBehavior(sym.baseName())
	if !ok {
		panic(fmt.Sprintf("hsatest: no behavior registered for kernel %q", sym.baseName()))
	}
	var kernarg []byte
	if pkt.KernargAddress != 0 && sym.kernargSize > 0 {
		kernarg = hsa.SliceAt(pkt.KernargAddress, int(sym.kernargSize))
	}
	fn(Dispatch{
		Grid:      [3]uint32{pkt.GridSizeX, pkt.GridSizeY, pkt.GridSizeZ},
		Workgroup: [3]uint32{uint32(pkt.WorkgroupSizeX), uint32(pkt.WorkgroupSizeY), uint32(pkt.WorkgroupSizeZ)},
		Kernarg:   kernarg,
	})
}

func (f *Fake) signalStore(s hsa.Signal, value int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.signals[s.Handle]; ok {
		st.value = value
	}
}

func (f *Fake) signalLoad(s hsa.Signal) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.signals[s.Handle]
	if !ok {
		return 0, false
	}
	return st.value, true
}

// ringQueue drains the queue up to its write index and hands each packet in
// the window to process. The fake's lock is dropped before process runs so
// interceptors and behaviors may call back into the runtime.
func (f *Fake) ringQueue(q *hsa.Queue) {
	f.mu.Lock()
	qs, ok := f.queues[q]
	if !ok {
		f.mu.Unlock()
		panic("hsatest: doorbell ring on unknown queue")
	}
	read, write := qs.readIndex, qs.writeIndex
	qs.readIndex = write
	f.mu.Unlock()

	for idx := read; idx < write; idx++ {
		slot := idx % uint64(len(qs.ring))
		f.process(qs, qs.ring[slot:slot+1])
	}
}

// SignalWait polls the signal until it reaches expected or the timeout
// expires, returning the last observed value.
func (f *Fake) SignalWait(s hsa.Signal, expected int64, timeout time.Duration) int64 {
	deadline := time.Now().Add(timeout)
	for {
		value, ok := f.signalLoad(s)
		if !ok {
			return -1
		}
		if value == expected || time.Now().After(deadline) {
			return value
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (s *fakeSymbol) baseName() string {
	const suffix = ".kd"
	if len(s.name) > len(suffix) && s.name[len(s.name)-len(suffix):] == suffix {
		return s.name[:len(s.name)-len(suffix)]
	}
	return s.name
}
