package shm

import "sync"

// Allocator hands out zeroed, aligned ranges of a segment by offset
type Allocator interface {
	Allocate(size, align uintptr) (uintptr, error)
	Addr(offset uintptr) uintptr
}

// Recycler is an Allocator that can take ranges back
// Freed ranges are kept per (size, align) and handed out again to the next request
// of the same shape. Ports are created and destroyed with a handful of different
// queue shapes, so this bounds the segment use of port churn.
type Recycler struct {
	seg *SharedMemory

	mu   sync.Mutex
	free map[[2]uintptr][]uintptr
}

// NewRecycler wraps seg; nothing is free until Free is called
func NewRecycler(seg *SharedMemory) *Recycler {
	return &Recycler{seg: seg, free: make(map[[2]uintptr][]uintptr)}
}

// Allocate reuses a freed range of the same shape or carves a new one
func (r *Recycler) Allocate(size, align uintptr) (uintptr, error) {
	key := [2]uintptr{size, align}
	r.mu.Lock()
	if list := r.free[key]; len(list) > 0 {
		off := list[len(list)-1]
		r.free[key] = list[:len(list)-1]
		r.mu.Unlock()
		clear(r.seg.data[off : off+size])
		return off, nil
	}
	r.mu.Unlock()
	return r.seg.Allocate(size, align)
}

// Free returns a range obtained from Allocate with the same size and align
func (r *Recycler) Free(offset, size, align uintptr) {
	key := [2]uintptr{size, align}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free[key] = append(r.free[key], offset)
}

// Addr translates an offset of the underlying segment
func (r *Recycler) Addr(offset uintptr) uintptr {
	return r.seg.Addr(offset)
}

// Segment returns the segment the recycler allocates from
func (r *Recycler) Segment() *SharedMemory {
	return r.seg
}
