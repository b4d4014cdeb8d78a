package mempool

import (
	"fmt"
	"slices"

	"github.com/Indra5196/iceoryx/internal/shm"
)

// MaxNumberOfMempools bounds the block classes of one MemoryManager
const MaxNumberOfMempools = 32

// PoolConfig describes one block class by the payload it must hold
type PoolConfig struct {
	PayloadSize uint32 // Largest payload a block of this class carries
	ChunkCount  uint32 // Number of blocks in the class
}

// ChunkSize returns the block size this class needs, header included
func (c PoolConfig) ChunkSize() uint32 {
	return uint32(shm.Align(ChunkHeaderSize+uintptr(c.PayloadSize), chunkHeaderAlignment))
}

// PoolInfo is a snapshot of one pool's usage
type PoolInfo struct {
	ChunkSize     uint32
	NumChunks     uint32
	UsedChunks    uint32
	MinFreeChunks uint32
}

// Ref is a process independent reference to a chunk
// It encodes the pool and block index; the zero Ref is invalid. Ref values are
// what chunk queues and histories store in shared memory.
type Ref uint64

// MakeRef builds a Ref from a pool index and a block index
func MakeRef(pool, block uint32) Ref {
	return Ref(uint64(pool+1)<<32 | uint64(block))
}

// IsValid reports whether r names a chunk; the zero Ref does not
func (r Ref) IsValid() bool { return r != 0 }

// Pool returns the index of the pool r points into
func (r Ref) Pool() uint32 { return uint32(r>>32) - 1 }

// Block returns the chunk index inside its pool
func (r Ref) Block() uint32  { return uint32(r) }
func (r Ref) String() string { return fmt.Sprintf("%d:%d", r.Pool(), r.Block()) }

// MemoryManager owns an ordered set of pools carved from one segment
// Allocations are served from the smallest class whose blocks fit.
type MemoryManager struct {
	seg   *shm.SharedMemory
	pools []*MemPool
}

// RequiredSize returns the segment bytes the given pools occupy, alignment padding included
func RequiredSize(configs []PoolConfig) uintptr {
	var size uintptr
	for _, c := range configs {
		size += SizeMemPool(c.ChunkSize(), c.ChunkCount) + _poolAlign
	}
	return size
}

// NewMemoryManager creates one pool per config inside seg
// The configs are ordered by payload size; equal sizes are rejected.
func NewMemoryManager(seg *shm.SharedMemory, configs []PoolConfig) (*MemoryManager, error) {
	if len(configs) > MaxNumberOfMempools {
		return nil, ErrTooManyPools
	}
	sorted := slices.Clone(configs)
	slices.SortFunc(sorted, func(a, b PoolConfig) int {
		return int(int64(a.PayloadSize) - int64(b.PayloadSize))
	})

	m := &MemoryManager{seg: seg}
	for i, c := range sorted {
		if i > 0 && sorted[i-1].PayloadSize == c.PayloadSize {
			return nil, fmt.Errorf("%w: duplicate payload size %d", ErrInvalidPoolConfig, c.PayloadSize)
		}
		if c.ChunkCount == 0 {
			return nil, fmt.Errorf("%w: pool %d has no chunks", ErrInvalidPoolConfig, c.PayloadSize)
		}
		chunkSize := c.ChunkSize()
		off, err := seg.Allocate(SizeMemPool(chunkSize, c.ChunkCount), _poolAlign)
		if err != nil {
			return nil, fmt.Errorf("mempool: reserve pool %d: %w", c.PayloadSize, err)
		}
		p, err := newMemPool(uint32(i), seg.Addr(off), chunkSize, c.ChunkCount)
		if err != nil {
			return nil, err
		}
		m.pools = append(m.pools, p)
	}
	return m, nil
}

// GetChunk allocates a chunk laid out according to settings
// The returned handle holds the only reference.
func (m *MemoryManager) GetChunk(settings ChunkSettings) (*SharedChunk, error) {
	if len(m.pools) == 0 {
		return nil, ErrNoMempoolsAvailable
	}
	for _, p := range m.pools {
		if p.chunkSize < settings.requiredChunkSize {
			continue
		}
		h, idx, ok := p.getChunk()
		if !ok {
			return nil, ErrRunningOutOfChunks
		}
		settings.init(h, p.chunkSize, p.index, idx)
		return &SharedChunk{mgr: m, hdr: h, ref: MakeRef(p.index, idx)}, nil
	}
	return nil, ErrNoMempoolForRequestedSize
}

// Adopt wraps a reference taken out of a queue or history into a handle
// The reference count is not changed: the caller takes over the reference the
// queue held.
func (m *MemoryManager) Adopt(ref Ref) (*SharedChunk, error) {
	h, err := m.Header(ref)
	if err != nil {
		return nil, err
	}
	return &SharedChunk{mgr: m, hdr: h, ref: ref}, nil
}

// Header resolves a reference to its chunk header
func (m *MemoryManager) Header(ref Ref) (*ChunkHeader, error) {
	if !ref.IsValid() || int(ref.Pool()) >= len(m.pools) {
		return nil, ErrInvalidRef
	}
	p := m.pools[ref.Pool()]
	if ref.Block() >= p.numChunks {
		return nil, ErrInvalidRef
	}
	return p.header(ref.Block()), nil
}

// ReleaseRef drops one reference without building a handle
// It is used when a queue evicts or clears entries.
func (m *MemoryManager) ReleaseRef(ref Ref) {
	h, err := m.Header(ref)
	if err != nil {
		return
	}
	m.release(h)
}

// DuplicateRef adds one reference to a chunk without building a handle
// The new count belongs to whoever stores the Ref next, usually a queue.
func (m *MemoryManager) DuplicateRef(ref Ref) error {
	h, err := m.Header(ref)
	if err != nil {
		return err
	}
	m.duplicate(h)
	return nil
}

// Pools returns a usage snapshot of every pool, smallest class first
func (m *MemoryManager) Pools() []PoolInfo {
	out := make([]PoolInfo, len(m.pools))
	for i, p := range m.pools {
		out[i] = PoolInfo{
			ChunkSize:     p.chunkSize,
			NumChunks:     p.numChunks,
			UsedChunks:    p.UsedChunks(),
			MinFreeChunks: p.MinFreeChunks(),
		}
	}
	return out
}

// UsedChunks returns the number of chunks in flight across all pools
func (m *MemoryManager) UsedChunks() uint64 {
	var n uint64
	for _, p := range m.pools {
		n += uint64(p.UsedChunks())
	}
	return n
}

func (m *MemoryManager) duplicate(h *ChunkHeader) {
	h.refCount.Add(1)
}

func (m *MemoryManager) release(h *ChunkHeader) {
	switch n := h.refCount.Add(^uint32(0)); n {
	case 0:
		m.pools[h.poolIndex].freeChunk(h.blockIndex)
	case ^uint32(0):
		panic("mempool: chunk reference count underflow")
	}
}
