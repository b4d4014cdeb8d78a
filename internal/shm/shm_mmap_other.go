//go:build !(linux || darwin || freebsd)

package shm

import "unsafe"

// DefaultDir is unused on platforms without file backed segments
const DefaultDir = ""

// Create is not available on this platform; use NewAnonymous
func Create(dir, name string, size int) (*SharedMemory, error) {
	return nil, ErrUnsupported
}

// Open is not available on this platform
func Open(dir, name string) (*SharedMemory, error) {
	return nil, ErrUnsupported
}

// NewAnonymous creates a page-aligned region that is private to this process
// Without mmap the region is carved out of the Go heap.
func NewAnonymous(name string, size int) (*SharedMemory, error) {
	if size <= HeaderSize {
		return nil, ErrInvalidSize
	}
	size = int(SizePages(uintptr(size)))
	raw := make([]byte, uintptr(size)+pagesize)
	off := Align(uintptr(unsafe.Pointer(&raw[0])), pagesize) - uintptr(unsafe.Pointer(&raw[0]))

	s := &SharedMemory{
		name: name,
		size: size,
		data: raw[off : off+uintptr(size)],
	}
	s.initHeader()
	return s, nil
}
