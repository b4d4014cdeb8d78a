// Package port holds the per-port state shared by an application and the broker.
//
// Each port kind has one data type and two views of it. The user view is what an
// application calls: loaning, sending, taking and releasing chunks and expressing
// what it wants (offer, connect). The broker view turns those wishes into control
// messages, reacts to the messages of peer ports and reclaims everything a port
// still holds. The fields each view writes are disjoint.
package port

import (
	"errors"
	"sync/atomic"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/protocol"
	"github.com/Indra5196/iceoryx/internal/shm"
)

// Resources are the shared facilities a port is built from
type Resources struct {
	Alloc  shm.Allocator          // Segment space for the receive queue
	Memory *mempool.MemoryManager // Chunk pools
	Errors errorhandler.Handler   // Sink of protocol violations
}

func (r Resources) report(code errorhandler.Code, sev errorhandler.Severity, format string, args ...any) {
	if r.Errors == nil {
		return
	}
	errorhandler.Report(r.Errors, code, sev, format, args...)
}

// BasePortData is the part every port kind carries
type BasePortData struct {
	service       protocol.ServiceDescription
	id            uint64
	nodeName      string
	toBeDestroyed atomic.Bool
}

// Service returns the service the port was created for
func (b *BasePortData) Service() protocol.ServiceDescription { return b.service }

// ID returns the UniquePortId of the port
func (b *BasePortData) ID() uint64 { return b.id }

// NodeName returns the node the port belongs to
func (b *BasePortData) NodeName() string { return b.nodeName }

// Destroy marks the port; the broker reclaims it on its next discovery pass
func (b *BasePortData) Destroy() { b.toBeDestroyed.Store(true) }

// ToBeDestroyed reports whether Destroy was called
func (b *BasePortData) ToBeDestroyed() bool { return b.toBeDestroyed.Load() }

// offerState is the offer handshake of a server or publisher
// requested and requests are written by the application, offered and refused
// by the broker.
type offerState struct {
	requested atomic.Bool
	requests  atomic.Uint64 // Bumped by every Offer
	offered   atomic.Bool
	refused   atomic.Uint64 // Offer request the broker could not register
}

func (o *offerState) init(offer bool) {
	if offer {
		o.offer()
	}
}

func (o *offerState) offer() {
	o.requests.Add(1)
	o.requested.Store(true)
}

func (o *offerState) stopOffer() { o.requested.Store(false) }

// wanted reports whether the application offers and the broker has not refused that offer
func (o *offerState) wanted() bool {
	return o.requested.Load() && o.requests.Load() != o.refused.Load()
}

// wasRefused reports whether the current offer request was refused
func (o *offerState) wasRefused() bool {
	return o.requested.Load() && o.requests.Load() == o.refused.Load()
}

// revoke marks the latest offer request as refused; a later Offer retries
func (o *offerState) revoke() {
	o.offered.Store(false)
	o.refused.Store(o.requests.Load())
}

var errMissingQueue = errors.New("port: message carries no queue")

// addQueue registers the queue a message carries at s
func addQueue(s *chunkSender, q chunkqueue.Pusher, historyRequest uint64) error {
	if q == nil {
		return errMissingQueue
	}
	return s.dist.TryAddQueue(q, historyRequest)
}

// freeQueue gives the queue memory back when the allocator can take it
func freeQueue(alloc shm.Allocator, q *chunkqueue.ChunkQueue) {
	if f, ok := alloc.(interface{ Free(offset, size, align uintptr) }); ok {
		f.Free(q.Offset(), q.Footprint(), chunkqueue.Align)
	}
}
