package port

import (
	"fmt"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/distributor"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

// ServerPortData is the state of one server port
type ServerPortData struct {
	BasePortData
	res     Resources
	options ServerOptions

	offer offerState

	responses *chunkSender
	requests  *chunkReceiver
}

// NewServerPortData creates a server port with its request queue
// Every client pushes into the request queue, so it is the multi producer variant.
func NewServerPortData(res Resources, service protocol.ServiceDescription, id uint64, opts ServerOptions) (*ServerPortData, error) {
	q, err := chunkqueue.New(res.Alloc, res.Memory, chunkqueue.Config{
		Capacity: opts.RequestQueueCapacity,
		Variant:  chunkqueue.MultiProducer,
		Policy:   opts.RequestQueueFullPolicy,
		OwnerID:  id,
	})
	if err != nil {
		return nil, fmt.Errorf("server %s: request queue: %w", service, err)
	}
	s, err := newChunkSender(id, res, distributor.Config{
		HistoryCapacity: opts.ResponseHistoryCapacity,
		TooSlowPolicy:   opts.ClientTooSlowPolicy,
		BlockTimeout:    opts.SendTimeout,
		HistoryOwner:    responseOwner(res.Memory),
	})
	if err != nil {
		freeQueue(res.Alloc, q)
		return nil, fmt.Errorf("server %s: %w", service, err)
	}
	d := &ServerPortData{
		BasePortData: BasePortData{service: service, id: id, nodeName: opts.NodeName},
		res:          res,
		options:      opts,
		responses:    s,
		requests:     newChunkReceiver(id, q, res),
	}
	d.offer.init(opts.OfferOnCreate)
	return d, nil
}

// Options returns the options the port was created with
func (d *ServerPortData) Options() ServerOptions { return d.options }

// ServerPortUser is the application side of a server port
type ServerPortUser struct{ d *ServerPortData }

// NewServerPortUser returns the application view of d
func NewServerPortUser(d *ServerPortData) ServerPortUser { return ServerPortUser{d: d} }

// Data returns the port state behind the view
func (u ServerPortUser) Data() *ServerPortData { return u.d }

// GetRequest takes the oldest queued request
func (u ServerPortUser) GetRequest() (*mempool.SharedChunk, error) {
	return u.d.requests.tryGet()
}

// ReleaseRequest gives back a request taken with GetRequest
func (u ServerPortUser) ReleaseRequest(c *mempool.SharedChunk) error {
	return u.d.requests.release(c)
}

// ReleaseQueuedRequests drops every request not taken yet
func (u ServerPortUser) ReleaseQueuedRequests() { u.d.requests.clear() }

// HasNewRequests reports whether a request is queued
func (u ServerPortUser) HasNewRequests() bool { return u.d.requests.hasNewChunks() }

// HasLostRequestsSinceLastCall reports and resets the lost flag of the request queue
func (u ServerPortUser) HasLostRequestsSinceLastCall() bool {
	return u.d.requests.hasLostChunksSinceLastCall()
}

// AllocateResponse loans a response chunk answering req
// The response header carries the sequence id and client of the request.
func (u ServerPortUser) AllocateResponse(req *mempool.SharedChunk, payloadSize, payloadAlign uint32) (*mempool.SharedChunk, error) {
	rh, err := RequestHeaderOf(req)
	if err != nil {
		return nil, err
	}
	settings, err := mempool.NewChunkSettings(payloadSize, payloadAlign, responseHeaderSize, rpcHeaderAlign)
	if err != nil {
		return nil, err
	}
	c, err := u.d.responses.tryAllocate(settings)
	if err != nil {
		return nil, err
	}
	h, _ := ResponseHeaderOf(c)
	*h = ResponseHeader{RPCHeader: RPCHeader{
		version:      RPCHeaderVersion,
		clientPortID: rh.clientPortID,
		sequenceID:   rh.sequenceID,
	}}
	return c, nil
}

// ReleaseResponse gives back a loaned response that will not be sent
func (u ServerPortUser) ReleaseResponse(c *mempool.SharedChunk) error {
	return u.d.responses.release(c)
}

// SendResponse delivers a loaned response to the client its header names
// A server that is not offering keeps the response in its history instead.
func (u ServerPortUser) SendResponse(c *mempool.SharedChunk) error {
	h, err := ResponseHeaderOf(c)
	if err != nil {
		return err
	}
	return u.SendToPort(c, h.clientPortID)
}

// SendToPort delivers a loaned response to the client with UniquePortId portID
func (u ServerPortUser) SendToPort(c *mempool.SharedChunk, portID uint64) error {
	if !u.d.offer.wanted() {
		return u.d.responses.pushToHistory(c)
	}
	return u.d.responses.sendToPort(c, portID)
}

// Offer asks the broker to offer the service
// An offer the broker refused is retried by calling Offer again.
func (u ServerPortUser) Offer() { u.d.offer.offer() }

// StopOffer asks the broker to withdraw the service
func (u ServerPortUser) StopOffer() { u.d.offer.stopOffer() }

// IsOffered reports whether the application offers the service and the broker
// has not refused it
func (u ServerPortUser) IsOffered() bool { return u.d.offer.wanted() }

// OfferRefused reports whether the broker refused the current offer
func (u ServerPortUser) OfferRefused() bool { return u.d.offer.wasRefused() }

// HasClients reports whether any client is connected
func (u ServerPortUser) HasClients() bool { return u.d.responses.dist.HasStoredQueues() }

// SetConditionVariable makes every arriving request notify index of cv
func (u ServerPortUser) SetConditionVariable(cv *condvar.Data, index uint64) error {
	return u.d.requests.setConditionVariable(cv, index)
}

// UnsetConditionVariable stops the notifications set by SetConditionVariable
func (u ServerPortUser) UnsetConditionVariable() { u.d.requests.unsetConditionVariable() }

// IsConditionVariableSet reports whether requests notify a condition variable
func (u ServerPortUser) IsConditionVariableSet() bool { return u.d.requests.isConditionVariableSet() }

// ServerPortRouDi is the broker side of a server port
type ServerPortRouDi struct {
	*BasePortData
	d *ServerPortData
}

// NewServerPortRouDi returns the broker view of d
func NewServerPortRouDi(d *ServerPortData) ServerPortRouDi {
	return ServerPortRouDi{BasePortData: &d.BasePortData, d: d}
}

// Data returns the port state behind the view
func (r ServerPortRouDi) Data() *ServerPortData { return r.d }

// Queue returns the port's receive queue as its senders see it
func (r ServerPortRouDi) Queue() chunkqueue.Pusher { return r.d.requests.queue }

// LostChunks returns how many chunks the receive queue discarded so far
func (r ServerPortRouDi) LostChunks() uint64 { return r.d.requests.queue.LostChunks() }

// IsOffered reports whether the broker considers the service offered
func (r ServerPortRouDi) IsOffered() bool { return r.d.offer.offered.Load() }

// TryGetCaProMessage turns a changed offer wish into a message for the clients
func (r ServerPortRouDi) TryGetCaProMessage() (protocol.Message, bool) {
	d := r.d
	wanted := d.offer.wanted()
	offered := d.offer.offered.Load()
	switch {
	case wanted && !offered:
		d.offer.offered.Store(true)
		msg := protocol.NewMessage(protocol.MessageOffer, d.service, d.id)
		msg.SubType = subTypeFor(d.responses.dist.HistoryCapacity())
		msg.Queue = d.requests.queue
		msg.HistoryCapacity = d.responses.dist.HistoryCapacity()
		return msg, true
	case !wanted && offered:
		d.offer.offered.Store(false)
		d.responses.dist.RemoveAllQueues()
		return protocol.NewMessage(protocol.MessageStopOffer, d.service, d.id), true
	}
	return protocol.Message{}, false
}

// DispatchCaProMessageAndGetPossibleResponse answers a client's message
// While not offered, connection requests are refused with a Nack.
func (r ServerPortRouDi) DispatchCaProMessageAndGetPossibleResponse(msg protocol.Message) (protocol.Message, bool) {
	d := r.d
	switch msg.Type {
	case protocol.MessageConnect, protocol.MessageOfferAck:
		if !d.offer.offered.Load() {
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		if err := addQueue(d.responses, msg.Queue, msg.HistoryCapacity); err != nil {
			d.res.report(errorhandler.QueueRegistrationFailed, errorhandler.Moderate,
				"server %d (%s): register client %d: %v", d.id, d.service, msg.PortID, err)
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		reply := protocol.MessageConnectAck
		if msg.Type == protocol.MessageOfferAck {
			reply = protocol.MessageAck
		}
		ack := msg.Reply(reply, d.id)
		ack.Queue = d.requests.queue
		return ack, true

	case protocol.MessageDisconnect:
		if !d.offer.offered.Load() || msg.Queue == nil {
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		if err := d.responses.dist.TryRemoveQueue(msg.Queue); err != nil {
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		return msg.Reply(protocol.MessageAck, d.id), true

	case protocol.MessageAck, protocol.MessageNack:
		return protocol.Message{}, false
	}

	d.res.report(errorhandler.CaproProtocolError, errorhandler.Fatal,
		"server %d (%s): unexpected %s", d.id, d.service, msg.Type)
	return protocol.Message{}, false
}

// RevokeOffer takes back an offer the broker could not register
func (r ServerPortRouDi) RevokeOffer() {
	r.d.offer.revoke()
	r.d.responses.dist.RemoveAllQueues()
}

// ReleaseAllChunks reclaims everything the port holds for a gone application
func (r ServerPortRouDi) ReleaseAllChunks() {
	r.d.responses.releaseAll()
	r.d.requests.releaseAll()
}

// Reclaim releases all chunks and returns the queue memory; the port is unusable afterwards
func (r ServerPortRouDi) Reclaim() {
	r.ReleaseAllChunks()
	freeQueue(r.d.res.Alloc, r.d.requests.queue)
}

func subTypeFor(history uint64) protocol.SubType {
	if history > 0 {
		return protocol.SubTypeField
	}
	return protocol.SubTypeEvent
}
