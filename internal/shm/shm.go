package shm

import (
	"errors"
	"os"
	"sync/atomic"
	"unsafe"
)

var (
	ErrInvalidSize  = errors.New("shm: invalid segment size")
	ErrInvalidAlign = errors.New("shm: alignment must be a power of two")
	ErrExhausted    = errors.New("shm: segment exhausted")
	ErrBadHeader    = errors.New("shm: segment header mismatch")
	ErrClosed       = errors.New("shm: segment closed")
	ErrUnsupported  = errors.New("shm: file backed segments are not supported on this platform")
)

var pagesize = uintptr(os.Getpagesize())

// Magic number written at offset zero of every initialized segment
const _segment_magic uint64 = 0x696f782d73686d31

const _segment_version uint64 = 1

// HeaderSize is the number of bytes reserved at the start of a segment.
// The first allocation starts right after it.
const HeaderSize = 256

// _sheader is stored at the beginning of the mapped region
type _sheader struct {
	_magic   uint64 // Magic number for initialization detection
	_version uint64 // Layout version
	_size    uint64 // Total mapped size in bytes
	_used    uint64 // Bump allocation cursor (offset of the first free byte)
}

// SharedMemory represents a mapped shared memory region for inter-process communication
// Every structure the middleware shares between processes (chunk pools, chunk queues,
// condition variables) is carved out of one SharedMemory with Allocate, and addressed
// by its offset so that each process can map the region at a different base address.
type SharedMemory struct {
	name  string  // Name/identifier of the shared memory region
	size  int     // Size of the shared memory region in bytes
	fd    uintptr // File descriptor of the backing file, zero for anonymous regions
	path  string  // Path of the backing file, empty for anonymous regions
	owner bool    // The region was created by this handle and is removed on Close
	data  []byte

	closed atomic.Bool
	unmap  func() error
}

// Name returns the name/identifier of the shared memory region
func (s *SharedMemory) Name() string {
	return s.name
}

// Size returns the size of the shared memory region in bytes
func (s *SharedMemory) Size() int {
	return s.size
}

// FD returns the file descriptor of the backing file
// Anonymous regions have no file and return zero.
func (s *SharedMemory) FD() uintptr {
	return s.fd
}

// Path returns the location of the backing file, or an empty string for anonymous regions
func (s *SharedMemory) Path() string {
	return s.path
}

// Base returns the address the region is mapped at in this process
func (s *SharedMemory) Base() uintptr {
	return uintptr(unsafe.Pointer(&s.data[0]))
}

// Addr translates a segment offset into an address in this process
func (s *SharedMemory) Addr(offset uintptr) uintptr {
	return s.Base() + offset
}

// Offset translates an address inside the region back into a segment offset
func (s *SharedMemory) Offset(addr uintptr) uintptr {
	return addr - s.Base()
}

// Contains reports whether [offset, offset+n) lies inside the region
func (s *SharedMemory) Contains(offset, n uintptr) bool {
	return offset+n >= offset && offset+n <= uintptr(s.size)
}

// Used returns the number of bytes handed out by Allocate, including the header
func (s *SharedMemory) Used() uintptr {
	return uintptr(atomic.LoadUint64(&s.header()._used))
}

// Allocate reserves size bytes aligned to align and returns their offset
// The memory is zeroed. Allocations are never returned to the segment; the whole
// region is released at once when it is closed.
func (s *SharedMemory) Allocate(size, align uintptr) (uintptr, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAlign
	}
	h := s.header()
	for {
		used := atomic.LoadUint64(&h._used)
		start := Align(uintptr(used), align)
		end := start + size
		if end < start || end > uintptr(s.size) {
			return 0, ErrExhausted
		}
		if atomic.CompareAndSwapUint64(&h._used, used, uint64(end)) {
			clear(s.data[start:end])
			return start, nil
		}
	}
}

// Close unmaps the region and, when this handle created it, removes its backing file
func (s *SharedMemory) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.unmap != nil {
		err = s.unmap()
	}
	if s.owner && s.path != "" {
		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}

func (s *SharedMemory) header() *_sheader {
	return (*_sheader)(unsafe.Pointer(&s.data[0]))
}

// initHeader writes the header of a freshly created region
func (s *SharedMemory) initHeader() {
	h := s.header()
	atomic.StoreUint64(&h._size, uint64(s.size))
	atomic.StoreUint64(&h._used, HeaderSize)
	atomic.StoreUint64(&h._version, _segment_version)
	atomic.StoreUint64(&h._magic, _segment_magic)
}

// validateHeader checks the header of an attached region
func (s *SharedMemory) validateHeader() error {
	h := s.header()
	if atomic.LoadUint64(&h._magic) != _segment_magic ||
		atomic.LoadUint64(&h._version) != _segment_version ||
		atomic.LoadUint64(&h._size) != uint64(s.size) {
		return ErrBadHeader
	}
	return nil
}

// Align rounds v up to the next multiple of a (a must be a power of two)
func Align(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

// SizePages rounds size up to a whole number of pages
func SizePages(size uintptr) uintptr {
	return ((size + pagesize - 1) / pagesize) * pagesize
}
