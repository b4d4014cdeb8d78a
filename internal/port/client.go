package port

import (
	"fmt"
	"sync/atomic"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/distributor"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

// ClientPortData is the state of one client port
// connectRequested is written by the application, connectionState and
// connectedTo by the broker.
type ClientPortData struct {
	BasePortData
	res     Resources
	options ClientOptions

	connectRequested atomic.Bool
	connectionState  atomic.Uint32
	connectedTo      atomic.Uint64 // Server whose request queue is wired, zero when none
	nextSequenceID   atomic.Int64

	requests  *chunkSender
	responses *chunkReceiver
}

// NewClientPortData creates a client port with its response queue
func NewClientPortData(res Resources, service protocol.ServiceDescription, id uint64, opts ClientOptions) (*ClientPortData, error) {
	q, err := chunkqueue.New(res.Alloc, res.Memory, chunkqueue.Config{
		Capacity: opts.ResponseQueueCapacity,
		Variant:  chunkqueue.SingleProducer,
		Policy:   opts.ResponseQueueFullPolicy,
		OwnerID:  id,
	})
	if err != nil {
		return nil, fmt.Errorf("client %s: response queue: %w", service, err)
	}
	s, err := newChunkSender(id, res, distributor.Config{
		HistoryCapacity: opts.RequestHistoryCapacity,
		TooSlowPolicy:   opts.ServerTooSlowPolicy,
		BlockTimeout:    opts.SendTimeout,
	})
	if err != nil {
		freeQueue(res.Alloc, q)
		return nil, fmt.Errorf("client %s: %w", service, err)
	}
	d := &ClientPortData{
		BasePortData: BasePortData{service: service, id: id, nodeName: opts.NodeName},
		res:          res,
		options:      opts,
		requests:     s,
		responses:    newChunkReceiver(id, q, res),
	}
	d.connectRequested.Store(opts.ConnectOnCreate)
	return d, nil
}

// Options returns the options the port was created with
func (d *ClientPortData) Options() ClientOptions { return d.options }

func (d *ClientPortData) state() ConnectionState { return ConnectionState(d.connectionState.Load()) }

func (d *ClientPortData) setState(s ConnectionState) { d.connectionState.Store(uint32(s)) }

// ClientPortUser is the application side of a client port
type ClientPortUser struct{ d *ClientPortData }

// NewClientPortUser returns the application view of d
func NewClientPortUser(d *ClientPortData) ClientPortUser { return ClientPortUser{d: d} }

// Data returns the port state behind the view
func (u ClientPortUser) Data() *ClientPortData { return u.d }

// AllocateRequest loans a request chunk with an initialized request header
func (u ClientPortUser) AllocateRequest(payloadSize, payloadAlign uint32) (*mempool.SharedChunk, error) {
	settings, err := mempool.NewChunkSettings(payloadSize, payloadAlign, requestHeaderSize, rpcHeaderAlign)
	if err != nil {
		return nil, err
	}
	c, err := u.d.requests.tryAllocate(settings)
	if err != nil {
		return nil, err
	}
	h, _ := RequestHeaderOf(c)
	*h = RequestHeader{
		RPCHeader: RPCHeader{
			version:      RPCHeaderVersion,
			clientPortID: u.d.id,
			sequenceID:   u.d.nextSequenceID.Add(1) - 1,
		},
		fireAndForget: u.d.options.FireAndForget,
	}
	return c, nil
}

// ReleaseRequest gives back a loaned request that will not be sent
func (u ClientPortUser) ReleaseRequest(c *mempool.SharedChunk) error {
	return u.d.requests.release(c)
}

// SendRequest delivers a loaned request to the server
// Without a requested connection the request goes to the history and reaches
// the server once connected, when a history capacity is configured.
func (u ClientPortUser) SendRequest(c *mempool.SharedChunk) error {
	if !u.d.connectRequested.Load() {
		return u.d.requests.pushToHistory(c)
	}
	_, err := u.d.requests.send(c)
	return err
}

// Connect asks for a connection; the broker acts on it on its next pass
func (u ClientPortUser) Connect() { u.d.connectRequested.Store(true) }

// Disconnect withdraws the connection wish
func (u ClientPortUser) Disconnect() { u.d.connectRequested.Store(false) }

// ConnectionState returns where the client is in the connect handshake
func (u ClientPortUser) ConnectionState() ConnectionState { return u.d.state() }

// GetResponse takes the oldest queued response
func (u ClientPortUser) GetResponse() (*mempool.SharedChunk, error) {
	return u.d.responses.tryGet()
}

// ReleaseResponse gives back a response taken with GetResponse
func (u ClientPortUser) ReleaseResponse(c *mempool.SharedChunk) error {
	return u.d.responses.release(c)
}

// ReleaseQueuedResponses drops every response not taken yet
func (u ClientPortUser) ReleaseQueuedResponses() { u.d.responses.clear() }

// HasNewResponses reports whether a response is queued
func (u ClientPortUser) HasNewResponses() bool { return u.d.responses.hasNewChunks() }

// HasLostResponsesSinceLastCall reports and resets the lost flag of the response queue
func (u ClientPortUser) HasLostResponsesSinceLastCall() bool {
	return u.d.responses.hasLostChunksSinceLastCall()
}

// SetConditionVariable makes every arriving response notify index of cv
func (u ClientPortUser) SetConditionVariable(cv *condvar.Data, index uint64) error {
	return u.d.responses.setConditionVariable(cv, index)
}

// UnsetConditionVariable stops the notifications set by SetConditionVariable
func (u ClientPortUser) UnsetConditionVariable() { u.d.responses.unsetConditionVariable() }

// IsConditionVariableSet reports whether responses notify a condition variable
func (u ClientPortUser) IsConditionVariableSet() bool { return u.d.responses.isConditionVariableSet() }

// ClientPortRouDi is the broker side of a client port
type ClientPortRouDi struct {
	*BasePortData
	d *ClientPortData
}

// NewClientPortRouDi returns the broker view of d
func NewClientPortRouDi(d *ClientPortData) ClientPortRouDi {
	return ClientPortRouDi{BasePortData: &d.BasePortData, d: d}
}

// Data returns the port state behind the view
func (r ClientPortRouDi) Data() *ClientPortData { return r.d }

// Queue returns the port's receive queue as its senders see it
func (r ClientPortRouDi) Queue() chunkqueue.Pusher { return r.d.responses.queue }

// LostChunks returns how many chunks the receive queue discarded so far
func (r ClientPortRouDi) LostChunks() uint64 { return r.d.responses.queue.LostChunks() }

// ConnectionState returns where the client is in the connect handshake
func (r ClientPortRouDi) ConnectionState() ConnectionState { return r.d.state() }

// ConnectedTo returns the id of the server the client is wired to
// ok is false while no server holds the client's response queue.
func (r ClientPortRouDi) ConnectedTo() (id uint64, ok bool) {
	id = r.d.connectedTo.Load()
	return id, id != 0
}

// TryGetCaProMessage turns a changed connect wish into a message for the server
func (r ClientPortRouDi) TryGetCaProMessage() (protocol.Message, bool) {
	d := r.d
	wanted := d.connectRequested.Load()
	switch state := d.state(); {
	case wanted && state == NotConnected:
		d.setState(ConnectRequested)
		return r.connectMessage(), true
	case !wanted && state == Connected:
		d.setState(DisconnectRequested)
		msg := protocol.NewMessage(protocol.MessageDisconnect, d.service, d.id)
		msg.Queue = d.responses.queue
		return msg, true
	case !wanted && state == WaitForOffer:
		d.setState(NotConnected)
	}
	return protocol.Message{}, false
}

func (r ClientPortRouDi) connectMessage() protocol.Message {
	msg := protocol.NewMessage(protocol.MessageConnect, r.d.service, r.d.id)
	msg.Queue = r.d.responses.queue
	msg.HistoryCapacity = r.d.options.ResponseHistoryRequest
	return msg
}

// DispatchCaProMessageAndGetPossibleResponse advances the connection state by msg
func (r ClientPortRouDi) DispatchCaProMessageAndGetPossibleResponse(msg protocol.Message) (protocol.Message, bool) {
	d := r.d
	state := d.state()
	switch msg.Type {
	case protocol.MessageConnectAck:
		if state == ConnectRequested {
			r.connectTo(msg)
			return protocol.Message{}, false
		}

	case protocol.MessageNack:
		switch state {
		case ConnectRequested:
			d.setState(WaitForOffer)
			return protocol.Message{}, false
		case DisconnectRequested:
			r.dropConnection(NotConnected)
			return protocol.Message{}, false
		}

	case protocol.MessageAck:
		switch state {
		case ConnectRequested:
			r.connectTo(msg)
			return protocol.Message{}, false
		case DisconnectRequested:
			r.dropConnection(NotConnected)
			return protocol.Message{}, false
		}

	case protocol.MessageOffer:
		switch state {
		case WaitForOffer:
			if !d.connectRequested.Load() {
				d.setState(NotConnected)
				return protocol.Message{}, false
			}
			d.setState(ConnectRequested)
			return r.connectMessage(), true
		case NotConnected, ConnectRequested, Connected, DisconnectRequested:
			return protocol.Message{}, false
		}

	case protocol.MessageStopOffer:
		switch state {
		case Connected:
			r.dropConnection(WaitForOffer)
			return protocol.Message{}, false
		case DisconnectRequested:
			r.dropConnection(NotConnected)
			return protocol.Message{}, false
		case NotConnected, ConnectRequested, WaitForOffer:
			return protocol.Message{}, false
		}
	}

	d.res.report(errorhandler.CaproProtocolError, errorhandler.Fatal,
		"client %d (%s): unexpected %s in state %s", d.id, d.service, msg.Type, state)
	return protocol.Message{}, false
}

// connectTo wires the server's request queue and delivers the requests kept so far
// Delivered requests leave the history.
func (r ClientPortRouDi) connectTo(ack protocol.Message) {
	d := r.d
	if err := addQueue(d.requests, ack.Queue, d.requests.dist.HistoryCapacity()); err != nil {
		d.res.report(errorhandler.QueueRegistrationFailed, errorhandler.Severe,
			"client %d (%s): register server queue: %v", d.id, d.service, err)
		d.setState(WaitForOffer)
		return
	}
	d.requests.dist.ClearHistory()
	d.connectedTo.Store(ack.PortID)
	d.setState(Connected)
}

// dropConnection unwires the server and releases the responses still queued
// Requests already delivered leave the history so a reconnect does not repeat them.
func (r ClientPortRouDi) dropConnection(next ConnectionState) {
	r.d.requests.dist.RemoveAllQueues()
	r.d.requests.dist.ClearHistory()
	r.d.responses.clear()
	r.d.connectedTo.Store(0)
	r.d.setState(next)
}

// ReleaseAllChunks reclaims everything the port holds for a gone application
func (r ClientPortRouDi) ReleaseAllChunks() {
	r.d.requests.releaseAll()
	r.d.responses.releaseAll()
}

// Reclaim releases all chunks and returns the queue memory; the port is unusable afterwards
func (r ClientPortRouDi) Reclaim() {
	r.ReleaseAllChunks()
	freeQueue(r.d.res.Alloc, r.d.responses.queue)
}
