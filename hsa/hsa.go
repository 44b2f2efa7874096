// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hsa models the observable surface of the HSA runtime that the
// capture and replay engines interact with: status codes, opaque handles,
// the AQL kernel dispatch packet, and the runtime's mutable API dispatch
// table. The definitions here are a Go-side projection of the C ABI; the
// cgo shims translate between the two.
package hsa // import "github.com/hsatrace/kernel-isolate/hsa"

// Status mirrors hsa_status_t.
type Status int32

const (
	StatusSuccess             Status = 0x0
	StatusInfoBreak           Status = 0x1
	StatusError               Status = 0x1000
	StatusErrorInvalidArg     Status = 0x1009
	StatusErrorOutOfResources Status = 0x1008
	StatusErrorInvalidAlloc   Status = 0x100a
)

// Succeeded reports whether the status indicates success.
func (s Status) Succeeded() bool {
	return s == StatusSuccess
}

// Opaque 64-bit runtime handles. The runtime owns their meaning; the engine
// only stores and compares them.
type (
	Agent            struct{ Handle uint64 }
	Signal           struct{ Handle uint64 }
	MemoryPool       struct{ Handle uint64 }
	Executable       struct{ Handle uint64 }
	ExecutableSymbol struct{ Handle uint64 }
	CodeObjectReader struct{ Handle uint64 }
	VmemHandle       struct{ Handle uint64 }
)

// DeviceType mirrors hsa_device_type_t.
type DeviceType uint32

const (
	DeviceTypeCPU DeviceType = 0
	DeviceTypeGPU DeviceType = 1
	DeviceTypeDSP DeviceType = 2
)

// SymbolKind mirrors hsa_symbol_kind_t.
type SymbolKind uint32

const (
	SymbolKindVariable SymbolKind = 0
	SymbolKindKernel   SymbolKind = 1
)

// SymbolInfo mirrors hsa_executable_symbol_info_t.
type SymbolInfo uint32

const (
	SymbolInfoType               SymbolInfo = 0
	SymbolInfoNameLength         SymbolInfo = 1
	SymbolInfoName               SymbolInfo = 2
	SymbolInfoKernelObject       SymbolInfo = 21
	SymbolInfoKernargSegmentSize SymbolInfo = 22
	SymbolInfoGroupSegmentSize   SymbolInfo = 23
	SymbolInfoPrivateSegmentSize SymbolInfo = 24
)

// AgentInfo mirrors hsa_agent_info_t.
type AgentInfo uint32

const (
	AgentInfoName          AgentInfo = 0
	AgentInfoWavefrontSize AgentInfo = 6
	AgentInfoISA           AgentInfo = 15
	AgentInfoDevice        AgentInfo = 17
)

// Segment mirrors hsa_amd_segment_t.
type Segment uint32

const (
	SegmentGlobal   Segment = 0
	SegmentReadonly Segment = 1
	SegmentPrivate  Segment = 2
	SegmentGroup    Segment = 3
)

// PoolInfo mirrors hsa_amd_memory_pool_info_t.
type PoolInfo uint32

const (
	PoolInfoSegment             PoolInfo = 0
	PoolInfoGlobalFlags         PoolInfo = 1
	PoolInfoSize                PoolInfo = 2
	PoolInfoRuntimeAllocAllowed PoolInfo = 5
)

// Global pool flag bits.
const (
	PoolGlobalFlagKernargInit   uint32 = 1 << 0
	PoolGlobalFlagFineGrained   uint32 = 1 << 1
	PoolGlobalFlagCoarseGrained uint32 = 1 << 2
)

// AccessPermission mirrors hsa_access_permission_t.
type AccessPermission uint32

const (
	AccessPermissionNone AccessPermission = 0
	AccessPermissionRO   AccessPermission = 1
	AccessPermissionWO   AccessPermission = 2
	AccessPermissionRW   AccessPermission = 3
)

// MemoryAccessDesc mirrors hsa_amd_memory_access_desc_t.
type MemoryAccessDesc struct {
	Permissions AccessPermission
	Agent       Agent
}

// Packet types, from the AQL packet header's low byte.
const (
	PacketTypeVendorSpecific uint16 = 0
	PacketTypeInvalid        uint16 = 1
	PacketTypeKernelDispatch uint16 = 2
	PacketTypeBarrierAnd     uint16 = 3
	PacketTypeAgentDispatch  uint16 = 4
	PacketTypeBarrierOr      uint16 = 5
)

// Header field shifts for packet header assembly.
const (
	PacketHeaderType          = 0
	PacketHeaderBarrier       = 8
	PacketHeaderScacquireFema = 9
	PacketHeaderScreleaseFema = 11
)

// Fence scope values for the header memory fence fields.
const (
	FenceScopeNone   uint16 = 0
	FenceScopeAgent  uint16 = 1
	FenceScopeSystem uint16 = 2
)

// KernelDispatchPacket mirrors the 64-byte hsa_kernel_dispatch_packet_t.
// The layout is ABI-fixed; the submit interceptor views raw queue memory
// through this type and must treat every field as read-only.
type KernelDispatchPacket struct {
	Header             uint16
	Setup              uint16
	WorkgroupSizeX     uint16
	WorkgroupSizeY     uint16
	WorkgroupSizeZ     uint16
	Reserved0          uint16
	GridSizeX          uint32
	GridSizeY          uint32
	GridSizeZ          uint32
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
	KernelObject       uint64
	KernargAddress     uint64
	Reserved2          uint64
	CompletionSignal   Signal
}

// PacketType extracts the packet type from the header's low byte.
func (p *KernelDispatchPacket) PacketType() uint16 {
	return p.Header & 0xff
}

// DispatchHeader assembles a kernel dispatch header with system-scope
// acquire/release fences, the combination the replay submits with.
func DispatchHeader() uint16 {
	return PacketTypeKernelDispatch<<PacketHeaderType |
		1<<PacketHeaderBarrier |
		FenceScopeSystem<<PacketHeaderScacquireFema |
		FenceScopeSystem<<PacketHeaderScreleaseFema
}

// Queue mirrors the leading fields of hsa_queue_t. The runtime hands out
// pointers into memory it owns; only BaseAddress, DoorbellSignal, Size and
// ID are read by the engine.
type Queue struct {
	Type           uint32
	Features       uint32
	BaseAddress    uint64
	DoorbellSignal Signal
	Size           uint32
	Reserved1      uint32
	ID             uint64
}

// Queue types accepted by queue-create.
const (
	QueueTypeMulti  uint32 = 0
	QueueTypeSingle uint32 = 1
)
