package mempool

// noCopy makes go vet's copylocks check flag copies of a SharedChunk
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// SharedChunk is an owned reference to an in-flight chunk
// Every handle accounts for exactly one count on the chunk: Duplicate adds a
// count and returns a second handle, Release drops the count and invalidates the
// handle. The block goes back to its pool when the last count is dropped.
// Handles are passed by pointer and must not be copied.
type SharedChunk struct {
	_   noCopy
	mgr *MemoryManager
	hdr *ChunkHeader
	ref Ref
}

// IsValid reports whether the handle still holds a reference
func (c *SharedChunk) IsValid() bool {
	return c != nil && c.hdr != nil
}

// Ref returns the process independent reference of the chunk
func (c *SharedChunk) Ref() Ref {
	if !c.IsValid() {
		return 0
	}
	return c.ref
}

// Header returns the chunk header, or nil for a released handle
func (c *SharedChunk) Header() *ChunkHeader {
	if !c.IsValid() {
		return nil
	}
	return c.hdr
}

// Payload returns the user payload of the chunk
func (c *SharedChunk) Payload() []byte {
	if !c.IsValid() {
		return nil
	}
	return c.hdr.payload()
}

// UserHeader returns the user-header bytes, nil when none was requested
func (c *SharedChunk) UserHeader() []byte {
	if !c.IsValid() {
		return nil
	}
	return c.hdr.userHeader()
}

// Duplicate returns a second handle to the same chunk
func (c *SharedChunk) Duplicate() *SharedChunk {
	if !c.IsValid() {
		return nil
	}
	c.mgr.duplicate(c.hdr)
	return &SharedChunk{mgr: c.mgr, hdr: c.hdr, ref: c.ref}
}

// Release drops the handle's reference
// Releasing an already released handle does nothing.
func (c *SharedChunk) Release() {
	if !c.IsValid() {
		return
	}
	h := c.hdr
	c.hdr = nil
	c.mgr.release(h)
}

// Detach gives up the handle without dropping its reference
// The returned Ref now carries the count; it is meant to be stored in a queue or
// history, from which MemoryManager.Adopt turns it back into a handle.
func (c *SharedChunk) Detach() Ref {
	if !c.IsValid() {
		return 0
	}
	c.hdr = nil
	return c.ref
}
