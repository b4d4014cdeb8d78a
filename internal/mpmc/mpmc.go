package mpmc

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// MPMCRing implements a lock-free Multi-Producer Multi-Consumer ring buffer
// The ring lives in shared memory at a fixed address and is addressed through
// this handle, so several processes can attach to the same ring.
//
// The implementation uses the bounded MPMC queue algorithm with per-slot sequence
// numbers. The free list of every chunk pool and the multi-producer chunk queues
// are built on it.
type MPMCRing[T any] struct {
	_mask uint64  // Mask for modulo operation (size - 1, must be power of 2)
	_size uint64  // Size of the ring buffer (must be power of 2)
	_head uintptr // Pointer to the ring header in shared memory
	_data uintptr // Pointer to the ring data in shared memory
}

// MPMCInit initializes a new MPMC ring buffer in shared memory
// Returns true if initialization was successful, false if already initialized.
//
// Parameters:
//   - h: Address of the ring header (must be 8 byte aligned)
//   - size: Number of elements in the ring buffer (will be rounded up to power of 2)
//
// The memory layout is:
//
//	[Header (256 bytes)][Data Elements]
func MPMCInit[T any](h uintptr, size uint64) bool {
	size = _RoundUpPowerOf2(size)
	_r := (*_mring)(unsafe.Pointer(h))

	magic := atomic.LoadUint64(&_r._magic)
	if magic == _mpmc_magic {
		return false
	}
	if !atomic.CompareAndSwapUint64(&_r._magic, magic, _mpmc_magic) {
		return false
	}

	atomic.StoreUint64(&_r._size, size)
	_data := h + _HEADER_SIZE
	for i := uint64(0); i < size; i++ {
		_e := _elemAt[T](_data, i)
		_e._data = *new(T)
		_e._seq = i
	}
	atomic.StoreUint64(&_r.r, 0)
	atomic.StoreUint64(&_r.w, 0)

	// Publish the ring; attachers spin on this flag
	atomic.StoreUint64(&_r._flag, uint64(_mpmc_init))
	return true
}

// MPMCAttach attaches to an existing MPMC ring buffer in shared memory
// It waits for the ring to be initialized and returns a handle to it.
//
// Parameters:
//   - h: Address of the ring header
//   - timeout: Maximum time to wait for initialization (0 = wait forever)
//
// Returns nil if the timeout elapses first
func MPMCAttach[T any](h uintptr, timeout time.Duration) *MPMCRing[T] {
	_tt := time.Now()
	_r := (*_mring)(unsafe.Pointer(h))

	for {
		magic := atomic.LoadUint64(&_r._magic)
		flag := atomic.LoadUint64(&_r._flag)
		if magic == _mpmc_magic && flag&uint64(_mpmc_init) != 0 {
			size := atomic.LoadUint64(&_r._size)
			return &MPMCRing[T]{
				_size: size,
				_mask: size - 1,
				_head: h,
				_data: h + _HEADER_SIZE,
			}
		}
		if timeout > 0 && time.Since(_tt) >= timeout {
			return nil
		}
		runtime.Gosched()
	}
}

// Cap returns the number of slots in the ring
func (m *MPMCRing[T]) Cap() uint64 {
	return m._size
}

// Len returns the number of elements currently stored
// The value is a snapshot and may be stale by the time it is used.
func (m *MPMCRing[T]) Len() uint64 {
	_h := (*_mring)(unsafe.Pointer(m._head))
	for {
		w := atomic.LoadUint64(&_h.w)
		r := atomic.LoadUint64(&_h.r)
		if atomic.LoadUint64(&_h.w) == w {
			if w < r {
				return 0
			}
			return w - r
		}
	}
}

// TryEnqueue adds an element if a slot is free
// Returns false without blocking when the ring is full.
func (m *MPMCRing[T]) TryEnqueue(elem T) bool {
	c, p, ok := m.claimWrite(nil, false)
	if !ok {
		return false
	}
	m.publishWrite(c, p, elem)
	return true
}

// Enqueue adds an element to the ring buffer
// It spins until a slot becomes free.
func (m *MPMCRing[T]) Enqueue(elem T) {
	c, p, _ := m.claimWrite(nil, true)
	m.publishWrite(c, p, elem)
}

// EnqueueWithContext adds an element, giving up once ctx is done
// Returns true if the element was enqueued.
func (m *MPMCRing[T]) EnqueueWithContext(ctx context.Context, elem T) bool {
	c, p, ok := m.claimWrite(ctx.Done(), true)
	if !ok {
		return false
	}
	m.publishWrite(c, p, elem)
	return true
}

// TryDequeue removes the oldest element if there is one
func (m *MPMCRing[T]) TryDequeue() (elem T, ok bool) {
	c, p, ok := m.claimRead(nil, false)
	if !ok {
		return elem, false
	}
	return m.publishRead(c, p), true
}

// Dequeue removes the oldest element, spinning until one is available
func (m *MPMCRing[T]) Dequeue() T {
	c, p, _ := m.claimRead(nil, true)
	return m.publishRead(c, p)
}

// DequeueWithContext removes the oldest element, giving up once ctx is done
func (m *MPMCRing[T]) DequeueWithContext(ctx context.Context) (elem T, ok bool) {
	c, p, ok := m.claimRead(ctx.Done(), true)
	if !ok {
		return elem, false
	}
	return m.publishRead(c, p), true
}

// claimWrite reserves the slot at the write position
// With wait unset it reports false as soon as the ring is full.
func (m *MPMCRing[T]) claimWrite(done <-chan struct{}, wait bool) (*_melem[T], uint64, bool) {
	_h := (*_mring)(unsafe.Pointer(m._head))
	p := atomic.LoadUint64(&_h.w)
	for {
		c := _elemAt[T](m._data, p&m._mask)
		seq := atomic.LoadUint64(&c._seq)
		switch diff := int64(seq - p); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&_h.w, p, p+1) {
				return c, p, true
			}
			p = atomic.LoadUint64(&_h.w)
		case diff < 0:
			// Slot still holds an element from the previous lap: full
			if !wait {
				return nil, 0, false
			}
			if _cancelled(done) {
				return nil, 0, false
			}
			runtime.Gosched()
			p = atomic.LoadUint64(&_h.w)
		default:
			// Another producer has claimed this slot
			p = atomic.LoadUint64(&_h.w)
		}
	}
}

func (m *MPMCRing[T]) publishWrite(c *_melem[T], p uint64, elem T) {
	c._data = elem
	// Release the slot to consumers after the data write
	atomic.StoreUint64(&c._seq, p+1)
}

// claimRead reserves the slot at the read position
// With wait unset it reports false as soon as the ring is empty.
func (m *MPMCRing[T]) claimRead(done <-chan struct{}, wait bool) (*_melem[T], uint64, bool) {
	_h := (*_mring)(unsafe.Pointer(m._head))
	p := atomic.LoadUint64(&_h.r)
	for {
		c := _elemAt[T](m._data, p&m._mask)
		seq := atomic.LoadUint64(&c._seq)
		switch diff := int64(seq - (p + 1)); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&_h.r, p, p+1) {
				return c, p, true
			}
			p = atomic.LoadUint64(&_h.r)
		case diff < 0:
			// Slot not yet written: empty
			if !wait {
				return nil, 0, false
			}
			if _cancelled(done) {
				return nil, 0, false
			}
			runtime.Gosched()
			p = atomic.LoadUint64(&_h.r)
		default:
			p = atomic.LoadUint64(&_h.r)
		}
	}
}

func (m *MPMCRing[T]) publishRead(c *_melem[T], p uint64) T {
	elem := c._data
	// Hand the slot back to producers for the next lap
	atomic.StoreUint64(&c._seq, p+m._mask+1)
	return elem
}

func _cancelled(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func _elemAt[T any](data uintptr, i uint64) *_melem[T] {
	return (*_melem[T])(unsafe.Pointer(data + unsafe.Sizeof(_melem[T]{})*uintptr(i)))
}

// Magic number to identify initialized MPMC rings
const _mpmc_magic uint64 = 0xc9d8c1d43f096701

// _mpmcflag represents initialization flags for the ring buffer
type _mpmcflag uint64

const (
	_mpmc_reserved = _mpmcflag(1) << iota // Reserved flag for future use
	_mpmc_init                            // Ring is initialized flag
)

// Padding unit in words between the read and write cursors
const _CACHE_LINE = 16

// Bytes reserved for _mring in front of the element array
const _HEADER_SIZE = 256

// _mring represents the header structure for the MPMC ring buffer
type _mring struct {
	_magic uint64 // Magic number for initialization detection
	_size  uint64 // Size of the ring buffer (power of 2)
	_flag  uint64 // Initialization flags
	/* ======== Cache line boundary ======== */
	r   uint64                  // Read position (consumer index)
	_p0 [_CACHE_LINE - 4]uint64 // Padding to prevent false sharing
	w   uint64                  // Write position (producer index)
	_p1 [_CACHE_LINE - 1]uint64 // Padding to prevent false sharing
}

// _melem represents a single element in the MPMC ring buffer
type _melem[T any] struct {
	_data T      // The actual data stored in the element
	_seq  uint64 // Sequence number for synchronization
}

// _RoundUpPowerOf2 rounds up a number to the next power of 2
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func _RoundUpPowerOf2(v uint64) uint64 {
	if v < 2 {
		return 2
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// SizeMPMCRing calculates the total memory size required for an MPMC ring buffer
// holding at least len elements
func SizeMPMCRing[T any](len uintptr) uintptr {
	return _HEADER_SIZE + unsafe.Sizeof(_melem[T]{})*uintptr(_RoundUpPowerOf2(uint64(len)))
}
