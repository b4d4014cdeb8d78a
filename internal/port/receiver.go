package port

import (
	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
)

// chunkReceiver hands chunks from the port's queue to its application
type chunkReceiver struct {
	portID uint64
	res    Resources
	queue  *chunkqueue.ChunkQueue
	mgr    *mempool.MemoryManager
	held   usedChunks
}

func newChunkReceiver(portID uint64, queue *chunkqueue.ChunkQueue, res Resources) *chunkReceiver {
	return &chunkReceiver{
		portID: portID,
		res:    res,
		queue:  queue,
		mgr:    res.Memory,
		held:   newUsedChunks(MaxChunksHeldSimultaneously),
	}
}

// tryGet takes the oldest queued chunk
// A full held list leaves the queue untouched.
func (r *chunkReceiver) tryGet() (*mempool.SharedChunk, error) {
	if r.held.full() {
		return nil, r.overflow()
	}
	ref, ok := r.queue.Pop()
	if !ok {
		return nil, ErrNoChunkAvailable
	}
	c, err := r.mgr.Adopt(ref)
	if err != nil {
		return nil, err
	}
	if !r.held.insert(c) {
		c.Release()
		return nil, r.overflow()
	}
	return c, nil
}

func (r *chunkReceiver) overflow() error {
	r.res.report(errorhandler.ChunkListOverflow, errorhandler.Moderate,
		"port %d: %d chunks already held", r.portID, MaxChunksHeldSimultaneously)
	return ErrTooManyChunksHeldInParallel
}

func (r *chunkReceiver) release(c *mempool.SharedChunk) error {
	if !r.held.remove(c) {
		return ErrUnknownChunk
	}
	c.Release()
	return nil
}

func (r *chunkReceiver) hasNewChunks() bool { return !r.queue.Empty() }

func (r *chunkReceiver) hasLostChunksSinceLastCall() bool {
	return r.queue.HasLostChunksSinceLastCall()
}

// clear releases everything still queued
func (r *chunkReceiver) clear() { r.queue.Clear() }

// releaseAll drops the queued and the held chunks
func (r *chunkReceiver) releaseAll() {
	r.held.cleanup()
	r.queue.Clear()
}

func (r *chunkReceiver) setConditionVariable(d *condvar.Data, index uint64) error {
	n, err := condvar.NewNotifier(d, index)
	if err != nil {
		return err
	}
	r.queue.SetConditionVariable(n)
	return nil
}

func (r *chunkReceiver) unsetConditionVariable() { r.queue.UnsetConditionVariable() }

func (r *chunkReceiver) isConditionVariableSet() bool { return r.queue.IsConditionVariableSet() }
