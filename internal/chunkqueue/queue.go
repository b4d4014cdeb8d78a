// Package chunkqueue implements the receiving side of a port: a bounded,
// lock-free queue of chunk references in shared memory.
package chunkqueue

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/mpmc"
	"github.com/Indra5196/iceoryx/internal/shm"
)

// MaxCapacity bounds the capacity of one queue
const MaxCapacity = 1024

var (
	ErrInvalidCapacity = errors.New("chunkqueue: capacity exceeds maximum")
	ErrInvalidVariant  = errors.New("chunkqueue: unknown queue variant")
)

// Pusher is the producer view of a queue, used by a sender's distributor
type Pusher interface {
	TryPush(ref mempool.Ref) bool
	LostAChunk()
	OwnerID() uint64
	Policy() FullPolicy
}

// Popper is the consumer view of a queue, used by the owning receiver
type Popper interface {
	Pop() (mempool.Ref, bool)
	Empty() bool
	Clear()
	HasLostChunksSinceLastCall() bool
}

// Config describes a queue at construction time
type Config struct {
	Capacity uint64     // Maximum number of queued references; 0 is raised to 1
	Variant  Variant    // Producer concurrency
	Policy   FullPolicy // Behaviour of a push into a full queue
	OwnerID  uint64     // UniquePortId of the receiving port
}

// _qheader is the shared state of a queue; the slots follow it
type _qheader struct {
	_capacity uint64
	_variant  uint32
	_policy   uint32
	_owner    uint64
	_lost     uint64 // Total entries discarded by the full policy
	_lostFlag uint32 // Set on discard, cleared by HasLostChunksSinceLastCall
	_         uint32
	_size     uint64 // Reserved entries of the multi-producer ring
	_p0       [2]uint64
	/* ======== Cache line boundary ======== */
	r   uint64 // Read position, advanced by the consumer and on overflow by the producer
	_p1 [7]uint64
	w   uint64 // Write position, owned by the producer
	_p2 [7]uint64
}

const _qheaderSize = unsafe.Sizeof(_qheader{})

// ChunkQueue is a bounded FIFO of chunk references
// The SingleProducer variant is a safely overflowing ring with separate read and
// write positions: on overflow the producer advances the read position itself and
// releases the evicted entry. The MultiProducer variant sits on an MPMC ring.
// Neither variant takes a lock or allocates on push or pop.
type ChunkQueue struct {
	off   uintptr
	cfg   Config
	hdr   *_qheader
	slots uintptr
	size  uint64 // Number of slots of the single producer ring (capacity + 1)
	ring  *mpmc.MPMCRing[uint64]
	mgr   *mempool.MemoryManager

	notifier atomic.Pointer[condvar.Notifier]
}

// Size returns the segment bytes a queue with cfg needs
func Size(cfg Config) uintptr {
	capacity := max(cfg.Capacity, 1)
	if cfg.Variant == MultiProducer {
		return _qheaderSize + mpmc.SizeMPMCRing[uint64](uintptr(capacity))
	}
	return _qheaderSize + 8*uintptr(capacity+1)
}

// Align is the alignment New requests for a queue
const Align = 64

// New creates a queue inside alloc whose entries reference chunks of mgr
func New(alloc shm.Allocator, mgr *mempool.MemoryManager, cfg Config) (*ChunkQueue, error) {
	if cfg.Capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidCapacity, cfg.Capacity, MaxCapacity)
	}
	if cfg.Variant != SingleProducer && cfg.Variant != MultiProducer {
		return nil, ErrInvalidVariant
	}
	cfg.Capacity = max(cfg.Capacity, 1)

	off, err := alloc.Allocate(Size(cfg), Align)
	if err != nil {
		return nil, fmt.Errorf("chunkqueue: allocate: %w", err)
	}
	addr := alloc.Addr(off)
	h := (*_qheader)(unsafe.Pointer(addr))
	h._capacity = cfg.Capacity
	h._variant = uint32(cfg.Variant)
	h._policy = uint32(cfg.Policy)
	h._owner = cfg.OwnerID

	q := &ChunkQueue{off: off, cfg: cfg, hdr: h, mgr: mgr}
	if cfg.Variant == MultiProducer {
		if !mpmc.MPMCInit[uint64](addr+_qheaderSize, cfg.Capacity) {
			return nil, fmt.Errorf("chunkqueue: ring at %#x already initialized", off)
		}
		q.ring = mpmc.MPMCAttach[uint64](addr+_qheaderSize, time.Second)
	} else {
		q.slots = addr + _qheaderSize
		q.size = cfg.Capacity + 1
	}
	return q, nil
}

// Offset returns where the queue lives in its segment
func (q *ChunkQueue) Offset() uintptr { return q.off }

// Footprint returns the segment bytes the queue occupies
func (q *ChunkQueue) Footprint() uintptr { return Size(q.cfg) }

// Capacity returns the maximum number of queued references
func (q *ChunkQueue) Capacity() uint64 { return q.hdr._capacity }

// Variant returns whether one or many producers may push
func (q *ChunkQueue) Variant() Variant { return Variant(q.hdr._variant) }

// Policy returns what a push into a full queue does
func (q *ChunkQueue) Policy() FullPolicy { return FullPolicy(q.hdr._policy) }

// OwnerID returns the UniquePortId of the receiving port
func (q *ChunkQueue) OwnerID() uint64 { return q.hdr._owner }

// LostChunks returns the number of entries discarded so far
func (q *ChunkQueue) LostChunks() uint64 {
	return atomic.LoadUint64(&q.hdr._lost)
}

// HasLostChunksSinceLastCall reports and clears the lost flag
func (q *ChunkQueue) HasLostChunksSinceLastCall() bool {
	return atomic.SwapUint32(&q.hdr._lostFlag, 0) == 1
}

// Len returns a snapshot of the number of queued entries
func (q *ChunkQueue) Len() uint64 {
	if q.ring != nil {
		return atomic.LoadUint64(&q.hdr._size)
	}
	w := atomic.LoadUint64(&q.hdr.w)
	r := atomic.LoadUint64(&q.hdr.r)
	if w < r {
		return 0
	}
	return w - r
}

// Empty reports whether there is nothing to pop
func (q *ChunkQueue) Empty() bool {
	return q.Len() == 0
}

// TryPush enqueues ref and wakes an attached condition variable
// On success the queue owns the reference. Under DiscardOldestData the push
// always succeeds, releasing the oldest entry when the queue was full. Under
// BlockProducer a full queue refuses the push and the caller keeps ref.
func (q *ChunkQueue) TryPush(ref mempool.Ref) bool {
	var ok bool
	if q.ring != nil {
		ok = q.pushMulti(ref)
	} else {
		ok = q.pushSingle(ref)
	}
	if ok {
		if n := q.notifier.Load(); n != nil {
			n.Notify()
		}
	}
	return ok
}

func (q *ChunkQueue) pushSingle(ref mempool.Ref) bool {
	h := q.hdr
	w := atomic.LoadUint64(&h.w)
	if q.Policy() == BlockProducer && w-atomic.LoadUint64(&h.r) >= h._capacity {
		return false
	}
	atomic.StoreUint64(q.slot(w), uint64(ref))
	atomic.StoreUint64(&h.w, w+1)

	r := atomic.LoadUint64(&h.r)
	if w+1 < r+q.size {
		return true
	}
	// The ring now holds capacity+1 entries. Take the oldest unless the
	// consumer popped it concurrently.
	if atomic.CompareAndSwapUint64(&h.r, r, r+1) {
		q.discard(mempool.Ref(atomic.LoadUint64(q.slot(r))))
	}
	return true
}

func (q *ChunkQueue) pushMulti(ref mempool.Ref) bool {
	h := q.hdr
	for {
		n := atomic.LoadUint64(&h._size)
		if n < h._capacity {
			if atomic.CompareAndSwapUint64(&h._size, n, n+1) {
				q.ring.Enqueue(uint64(ref))
				return true
			}
			continue
		}
		if q.Policy() == BlockProducer {
			return false
		}
		if old, ok := q.ring.TryDequeue(); ok {
			atomic.AddUint64(&h._size, ^uint64(0))
			q.discard(mempool.Ref(old))
		}
	}
}

func (q *ChunkQueue) discard(ref mempool.Ref) {
	q.mgr.ReleaseRef(ref)
	q.LostAChunk()
}

// LostAChunk records a chunk that was meant for this queue but never arrived
// Producers call it when a BlockProducer queue refused a push they did not wait on.
func (q *ChunkQueue) LostAChunk() {
	atomic.AddUint64(&q.hdr._lost, 1)
	atomic.StoreUint32(&q.hdr._lostFlag, 1)
}

// Pop removes the oldest entry; the caller takes over its reference
func (q *ChunkQueue) Pop() (mempool.Ref, bool) {
	if q.ring != nil {
		v, ok := q.ring.TryDequeue()
		if !ok {
			return 0, false
		}
		atomic.AddUint64(&q.hdr._size, ^uint64(0))
		return mempool.Ref(v), true
	}

	h := q.hdr
	r := atomic.LoadUint64(&h.r)
	for {
		if r == atomic.LoadUint64(&h.w) {
			return 0, false
		}
		v := atomic.LoadUint64(q.slot(r))
		if atomic.CompareAndSwapUint64(&h.r, r, r+1) {
			return mempool.Ref(v), true
		}
		// The producer evicted this entry; start over at the new read position
		r = atomic.LoadUint64(&h.r)
	}
}

// Clear pops and releases every queued entry
func (q *ChunkQueue) Clear() {
	for {
		ref, ok := q.Pop()
		if !ok {
			return
		}
		q.mgr.ReleaseRef(ref)
	}
}

// SetConditionVariable makes every successful push raise n
func (q *ChunkQueue) SetConditionVariable(n *condvar.Notifier) {
	q.notifier.Store(n)
}

// UnsetConditionVariable stops notifying on push
func (q *ChunkQueue) UnsetConditionVariable() {
	q.notifier.Store(nil)
}

// IsConditionVariableSet reports whether pushes notify a condition variable
func (q *ChunkQueue) IsConditionVariableSet() bool {
	return q.notifier.Load() != nil
}

func (q *ChunkQueue) slot(pos uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(q.slots + uintptr(pos%q.size)*8))
}
