package mempool

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Indra5196/iceoryx/internal/mpmc"
	"github.com/Indra5196/iceoryx/internal/shm"
)

// MemPool hands out fixed size blocks from one region of shared memory
// Free block indices are kept in a lock-free MPMC ring, so allocate and free
// may run concurrently from any number of processes.
type MemPool struct {
	index     uint32
	chunkSize uint32
	numChunks uint32
	stats     *_pstats
	free      *mpmc.MPMCRing[uint32]
	blocks    uintptr
}

// _pstats lives in shared memory in front of the free list
type _pstats struct {
	used    atomic.Uint32
	minFree atomic.Uint32
	_       [56]byte
}

const _poolAlign = 64

// SizeMemPool returns the bytes a pool of numChunks blocks of chunkSize occupies
func SizeMemPool(chunkSize, numChunks uint32) uintptr {
	size := shm.Align(unsafe.Sizeof(_pstats{}), _poolAlign)
	size += shm.Align(mpmc.SizeMPMCRing[uint32](uintptr(numChunks)), _poolAlign)
	return size + uintptr(chunkSize)*uintptr(numChunks)
}

// newMemPool lays a pool out at addr, which must provide SizeMemPool bytes
func newMemPool(index uint32, addr uintptr, chunkSize, numChunks uint32) (*MemPool, error) {
	if chunkSize == 0 || numChunks == 0 || uintptr(chunkSize)%chunkHeaderAlignment != 0 {
		return nil, ErrInvalidPoolConfig
	}
	stats := (*_pstats)(unsafe.Pointer(addr))
	ringAddr := addr + shm.Align(unsafe.Sizeof(_pstats{}), _poolAlign)
	if !mpmc.MPMCInit[uint32](ringAddr, uint64(numChunks)) {
		return nil, fmt.Errorf("%w: free list already initialized", ErrInvalidPoolConfig)
	}
	free := mpmc.MPMCAttach[uint32](ringAddr, time.Second)
	if free == nil {
		return nil, fmt.Errorf("%w: free list attach timed out", ErrInvalidPoolConfig)
	}
	for i := uint32(0); i < numChunks; i++ {
		free.Enqueue(i)
	}
	stats.used.Store(0)
	stats.minFree.Store(numChunks)

	return &MemPool{
		index:     index,
		chunkSize: chunkSize,
		numChunks: numChunks,
		stats:     stats,
		free:      free,
		blocks:    ringAddr + shm.Align(mpmc.SizeMPMCRing[uint32](uintptr(numChunks)), _poolAlign),
	}, nil
}

// ChunkSize returns the block size of this pool
func (p *MemPool) ChunkSize() uint32 { return p.chunkSize }

// NumChunks returns the number of blocks in this pool
func (p *MemPool) NumChunks() uint32 { return p.numChunks }

// UsedChunks returns the number of blocks currently handed out
func (p *MemPool) UsedChunks() uint32 { return p.stats.used.Load() }

// MinFreeChunks returns the lowest number of free blocks observed so far
func (p *MemPool) MinFreeChunks() uint32 { return p.stats.minFree.Load() }

// getChunk takes one block off the free list
func (p *MemPool) getChunk() (*ChunkHeader, uint32, bool) {
	idx, ok := p.free.TryDequeue()
	if !ok {
		return nil, 0, false
	}
	used := p.stats.used.Add(1)
	for {
		minFree := p.stats.minFree.Load()
		free := p.numChunks - used
		if free >= minFree || p.stats.minFree.CompareAndSwap(minFree, free) {
			break
		}
	}
	return p.header(idx), idx, true
}

// freeChunk puts a block back on the free list
// The ring has one slot per block, so it never fills up.
func (p *MemPool) freeChunk(idx uint32) {
	p.stats.used.Add(^uint32(0))
	p.free.Enqueue(idx)
}

func (p *MemPool) header(idx uint32) *ChunkHeader {
	return (*ChunkHeader)(unsafe.Pointer(p.blocks + uintptr(idx)*uintptr(p.chunkSize)))
}
