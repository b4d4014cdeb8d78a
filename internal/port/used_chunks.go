package port

import (
	"slices"
	"sync"

	"github.com/Indra5196/iceoryx/internal/mempool"
)

// usedChunks tracks the handles a port gave to its application
// The broker releases them when the application is gone without doing so.
type usedChunks struct {
	mu       sync.Mutex
	capacity int
	chunks   []*mempool.SharedChunk
}

func newUsedChunks(capacity int) usedChunks {
	return usedChunks{capacity: capacity, chunks: make([]*mempool.SharedChunk, 0, capacity)}
}

// full reports whether insert would fail
func (u *usedChunks) full() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pruneLocked()
	return len(u.chunks) >= u.capacity
}

func (u *usedChunks) insert(c *mempool.SharedChunk) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.chunks) >= u.capacity {
		u.pruneLocked()
		if len(u.chunks) >= u.capacity {
			return false
		}
	}
	u.chunks = append(u.chunks, c)
	return true
}

// remove forgets c and reports whether it was tracked
func (u *usedChunks) remove(c *mempool.SharedChunk) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	i := slices.Index(u.chunks, c)
	if i < 0 {
		return false
	}
	u.chunks = slices.Delete(u.chunks, i, i+1)
	return true
}

func (u *usedChunks) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pruneLocked()
	return len(u.chunks)
}

// cleanup releases every tracked handle
func (u *usedChunks) cleanup() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.chunks {
		c.Release()
	}
	clear(u.chunks)
	u.chunks = u.chunks[:0]
}

// pruneLocked drops handles the application released directly
func (u *usedChunks) pruneLocked() {
	u.chunks = slices.DeleteFunc(u.chunks, func(c *mempool.SharedChunk) bool { return !c.IsValid() })
}
