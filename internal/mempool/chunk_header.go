package mempool

import (
	"sync/atomic"
	"unsafe"

	"github.com/Indra5196/iceoryx/internal/shm"
)

// ChunkHeaderVersion is bumped whenever the layout of ChunkHeader changes
const ChunkHeaderVersion uint8 = 1

// ChunkHeader sits at the start of every pool block
// It is followed by the optional user-header and the user payload. All fields
// except the reference count are written once by the allocating sender before the
// chunk is handed to any receiver.
type ChunkHeader struct {
	chunkSize            uint32 // Size of the whole block
	headerVersion        uint8  // Layout version, ChunkHeaderVersion
	_                    [3]uint8
	userHeaderSize       uint32 // Bytes of user-header following the chunk header
	userHeaderOffset     uint32 // Offset of the user-header from the chunk header
	userPayloadSize      uint32 // Requested payload size
	userPayloadAlignment uint32 // Requested payload alignment
	userPayloadOffset    uint32 // Offset of the payload from the chunk header
	poolIndex            uint32 // Index of the originating pool in its MemoryManager
	blockIndex           uint32 // Index of the block inside the pool
	refCount             atomic.Uint32
	originID             uint64 // UniquePortId of the sending port
	sequenceNumber       uint64 // Per-sender sequence number
}

// ChunkHeaderSize is the number of bytes a ChunkHeader occupies
const ChunkHeaderSize = uintptr(unsafe.Sizeof(ChunkHeader{}))

const chunkHeaderAlignment = uintptr(unsafe.Alignof(ChunkHeader{}))

// ChunkSize returns the size of the whole chunk including this header
func (h *ChunkHeader) ChunkSize() uint32 { return h.chunkSize }

// HeaderVersion returns the layout version the chunk was written with
func (h *ChunkHeader) HeaderVersion() uint8 { return h.headerVersion }

// UserHeaderSize returns the size of the user-header, zero when absent
func (h *ChunkHeader) UserHeaderSize() uint32 { return h.userHeaderSize }

// UserPayloadSize returns the payload size requested at allocation
func (h *ChunkHeader) UserPayloadSize() uint32 { return h.userPayloadSize }

// UserPayloadAlignment returns the payload alignment requested at allocation
func (h *ChunkHeader) UserPayloadAlignment() uint32 { return h.userPayloadAlignment }

// PoolIndex returns the pool the chunk was taken from
func (h *ChunkHeader) PoolIndex() uint32 { return h.poolIndex }

// OriginID returns the UniquePortId of the port that allocated the chunk
func (h *ChunkHeader) OriginID() uint64 { return h.originID }

// SequenceNumber returns the send counter of the originating port
func (h *ChunkHeader) SequenceNumber() uint64 { return h.sequenceNumber }

// SetOriginID stamps the id of the port sending the chunk
func (h *ChunkHeader) SetOriginID(id uint64) { h.originID = id }

// SetSequenceNumber stamps the sender's sequence number
func (h *ChunkHeader) SetSequenceNumber(n uint64) { h.sequenceNumber = n }

// RefCount returns the current number of holders
func (h *ChunkHeader) RefCount() uint32 { return h.refCount.Load() }

func (h *ChunkHeader) addr() uintptr { return uintptr(unsafe.Pointer(h)) }

func (h *ChunkHeader) payload() []byte {
	if h.userPayloadSize == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(h.addr()+uintptr(h.userPayloadOffset))), h.userPayloadSize)
}

// UserHeader returns the user-header area in place, nil when the chunk has none
func (h *ChunkHeader) UserHeader() []byte { return h.userHeader() }

func (h *ChunkHeader) userHeader() []byte {
	if h.userHeaderSize == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(h.addr()+uintptr(h.userHeaderOffset))), h.userHeaderSize)
}

// ChunkSettings describes the layout requested for one allocation
type ChunkSettings struct {
	userPayloadSize      uint32
	userPayloadAlignment uint32
	userHeaderSize       uint32
	userHeaderAlignment  uint32
	userHeaderOffset     uint32
	requiredChunkSize    uint32
}

// NewChunkSettings validates an allocation request and computes the block size it needs
// Alignments of zero are treated as one. The user-header is placed directly after
// the chunk header, so its alignment may not exceed the chunk header's.
func NewChunkSettings(payloadSize, payloadAlign, userHeaderSize, userHeaderAlign uint32) (ChunkSettings, error) {
	if payloadAlign == 0 {
		payloadAlign = 1
	}
	if userHeaderAlign == 0 {
		userHeaderAlign = 1
	}
	if payloadAlign&(payloadAlign-1) != 0 || userHeaderAlign&(userHeaderAlign-1) != 0 {
		return ChunkSettings{}, ErrInvalidAlignment
	}
	if uintptr(userHeaderAlign) > chunkHeaderAlignment {
		return ChunkSettings{}, ErrInvalidAlignment
	}

	headerEnd := ChunkHeaderSize
	userHeaderOffset := uintptr(0)
	if userHeaderSize > 0 {
		userHeaderOffset = shm.Align(headerEnd, uintptr(userHeaderAlign))
		headerEnd = userHeaderOffset + uintptr(userHeaderSize)
	}
	// Blocks start on chunkHeaderAlignment, so this much padding covers any block
	padding := uintptr(0)
	if uintptr(payloadAlign) > chunkHeaderAlignment {
		padding = uintptr(payloadAlign) - chunkHeaderAlignment
	}
	required := shm.Align(headerEnd, chunkHeaderAlignment) + padding + uintptr(payloadSize)
	if required > uintptr(^uint32(0)) {
		return ChunkSettings{}, ErrNoMempoolForRequestedSize
	}

	return ChunkSettings{
		userPayloadSize:      payloadSize,
		userPayloadAlignment: payloadAlign,
		userHeaderSize:       userHeaderSize,
		userHeaderAlignment:  userHeaderAlign,
		userHeaderOffset:     uint32(userHeaderOffset),
		requiredChunkSize:    uint32(required),
	}, nil
}

// RequiredChunkSize returns the smallest block that can hold the request
func (s ChunkSettings) RequiredChunkSize() uint32 { return s.requiredChunkSize }

// init writes a fresh header for a block at addr that was just taken from a pool
func (s ChunkSettings) init(h *ChunkHeader, chunkSize, pool, block uint32) {
	h.chunkSize = chunkSize
	h.headerVersion = ChunkHeaderVersion
	h.userHeaderSize = s.userHeaderSize
	h.userHeaderOffset = s.userHeaderOffset
	h.userPayloadSize = s.userPayloadSize
	h.userPayloadAlignment = s.userPayloadAlignment
	h.poolIndex = pool
	h.blockIndex = block
	h.originID = 0
	h.sequenceNumber = 0

	start := ChunkHeaderSize
	if s.userHeaderSize > 0 {
		start = uintptr(s.userHeaderOffset) + uintptr(s.userHeaderSize)
	}
	start = shm.Align(start, chunkHeaderAlignment)
	base := h.addr()
	h.userPayloadOffset = uint32(shm.Align(base+start, uintptr(s.userPayloadAlignment)) - base)
	h.refCount.Store(1)
}
