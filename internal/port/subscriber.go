package port

import (
	"fmt"
	"sync/atomic"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

// SubscriberPortData is the state of one subscriber port
// subscribeRequested is written by the application, the rest by the broker.
type SubscriberPortData struct {
	BasePortData
	res     Resources
	options SubscriberOptions

	subscribeRequested atomic.Bool
	subscriptionState  atomic.Uint32
	connectedTo        atomic.Uint64 // Publisher holding the queue, zero when none

	samples *chunkReceiver
}

// NewSubscriberPortData creates a subscriber port with its single producer queue
func NewSubscriberPortData(res Resources, service protocol.ServiceDescription, id uint64, opts SubscriberOptions) (*SubscriberPortData, error) {
	q, err := chunkqueue.New(res.Alloc, res.Memory, chunkqueue.Config{
		Capacity: opts.QueueCapacity,
		Variant:  chunkqueue.SingleProducer,
		Policy:   opts.QueueFullPolicy,
		OwnerID:  id,
	})
	if err != nil {
		return nil, fmt.Errorf("subscriber %s: queue: %w", service, err)
	}
	d := &SubscriberPortData{
		BasePortData: BasePortData{service: service, id: id, nodeName: opts.NodeName},
		res:          res,
		options:      opts,
		samples:      newChunkReceiver(id, q, res),
	}
	d.subscribeRequested.Store(opts.SubscribeOnCreate)
	return d, nil
}

// Options returns the options the port was created with
func (d *SubscriberPortData) Options() SubscriberOptions { return d.options }

func (d *SubscriberPortData) state() ConnectionState {
	return ConnectionState(d.subscriptionState.Load())
}

func (d *SubscriberPortData) setState(s ConnectionState) { d.subscriptionState.Store(uint32(s)) }

// SubscriberPortUser is the application side of a subscriber port
type SubscriberPortUser struct{ d *SubscriberPortData }

// NewSubscriberPortUser returns the application view of d
func NewSubscriberPortUser(d *SubscriberPortData) SubscriberPortUser {
	return SubscriberPortUser{d: d}
}

// Data returns the port state behind the view
func (u SubscriberPortUser) Data() *SubscriberPortData { return u.d }

// Subscribe asks for a subscription; the broker acts on it on its next pass
func (u SubscriberPortUser) Subscribe() { u.d.subscribeRequested.Store(true) }

// Unsubscribe withdraws the subscription wish
func (u SubscriberPortUser) Unsubscribe() { u.d.subscribeRequested.Store(false) }

// SubscriptionState returns where the subscriber is in the subscribe handshake
func (u SubscriberPortUser) SubscriptionState() ConnectionState { return u.d.state() }

// TryGetChunk takes the oldest queued sample
func (u SubscriberPortUser) TryGetChunk() (*mempool.SharedChunk, error) {
	return u.d.samples.tryGet()
}

// ReleaseChunk gives back a sample taken with TryGetChunk
func (u SubscriberPortUser) ReleaseChunk(c *mempool.SharedChunk) error {
	return u.d.samples.release(c)
}

// ReleaseQueuedChunks drops every sample not taken yet
func (u SubscriberPortUser) ReleaseQueuedChunks() { u.d.samples.clear() }

// HasNewChunks reports whether a sample is queued
func (u SubscriberPortUser) HasNewChunks() bool { return u.d.samples.hasNewChunks() }

// HasLostChunksSinceLastCall reports and resets the lost flag of the queue
func (u SubscriberPortUser) HasLostChunksSinceLastCall() bool {
	return u.d.samples.hasLostChunksSinceLastCall()
}

// SetConditionVariable makes every arriving sample notify index of cv
func (u SubscriberPortUser) SetConditionVariable(cv *condvar.Data, index uint64) error {
	return u.d.samples.setConditionVariable(cv, index)
}

// UnsetConditionVariable stops the notifications
func (u SubscriberPortUser) UnsetConditionVariable() { u.d.samples.unsetConditionVariable() }

// IsConditionVariableSet reports whether samples notify a condition variable
func (u SubscriberPortUser) IsConditionVariableSet() bool { return u.d.samples.isConditionVariableSet() }

// SubscriberPortRouDi is the broker side of a subscriber port
type SubscriberPortRouDi struct {
	*BasePortData
	d *SubscriberPortData
}

// NewSubscriberPortRouDi returns the broker view of d
func NewSubscriberPortRouDi(d *SubscriberPortData) SubscriberPortRouDi {
	return SubscriberPortRouDi{BasePortData: &d.BasePortData, d: d}
}

// Data returns the port state behind the view
func (r SubscriberPortRouDi) Data() *SubscriberPortData { return r.d }

// Queue returns the port's receive queue as its senders see it
func (r SubscriberPortRouDi) Queue() chunkqueue.Pusher { return r.d.samples.queue }

// LostChunks returns how many chunks the receive queue discarded so far
func (r SubscriberPortRouDi) LostChunks() uint64 { return r.d.samples.queue.LostChunks() }

// SubscriptionState returns where the subscriber is in the subscribe handshake
func (r SubscriberPortRouDi) SubscriptionState() ConnectionState { return r.d.state() }

// ConnectedTo returns the id of the publisher the subscriber is wired to
// ok is false while no publisher holds the subscriber's queue.
func (r SubscriberPortRouDi) ConnectedTo() (id uint64, ok bool) {
	id = r.d.connectedTo.Load()
	return id, id != 0
}

// TryGetCaProMessage turns a changed subscribe wish into a message for the publisher
func (r SubscriberPortRouDi) TryGetCaProMessage() (protocol.Message, bool) {
	d := r.d
	wanted := d.subscribeRequested.Load()
	switch state := d.state(); {
	case wanted && state == NotConnected:
		d.setState(ConnectRequested)
		return r.subscribeMessage(), true
	case !wanted && state == Connected:
		d.setState(DisconnectRequested)
		msg := protocol.NewMessage(protocol.MessageDisconnect, d.service, d.id)
		msg.Queue = d.samples.queue
		return msg, true
	case !wanted && state == WaitForOffer:
		d.setState(NotConnected)
	}
	return protocol.Message{}, false
}

func (r SubscriberPortRouDi) subscribeMessage() protocol.Message {
	msg := protocol.NewMessage(protocol.MessageConnect, r.d.service, r.d.id)
	msg.Queue = r.d.samples.queue
	msg.HistoryCapacity = r.d.options.HistoryRequest
	return msg
}

// DispatchCaProMessageAndGetPossibleResponse advances the subscription state by msg
func (r SubscriberPortRouDi) DispatchCaProMessageAndGetPossibleResponse(msg protocol.Message) (protocol.Message, bool) {
	d := r.d
	state := d.state()
	switch msg.Type {
	case protocol.MessageAck:
		switch state {
		case ConnectRequested:
			d.connectedTo.Store(msg.PortID)
			d.setState(Connected)
			return protocol.Message{}, false
		case DisconnectRequested:
			r.dropSubscription(NotConnected)
			return protocol.Message{}, false
		}

	case protocol.MessageNack:
		switch state {
		case ConnectRequested:
			d.setState(WaitForOffer)
			return protocol.Message{}, false
		case DisconnectRequested:
			r.dropSubscription(NotConnected)
			return protocol.Message{}, false
		}

	case protocol.MessageOffer:
		switch state {
		case WaitForOffer:
			if !d.subscribeRequested.Load() {
				d.setState(NotConnected)
				return protocol.Message{}, false
			}
			d.setState(ConnectRequested)
			return r.subscribeMessage(), true
		case NotConnected, ConnectRequested, Connected, DisconnectRequested:
			return protocol.Message{}, false
		}

	case protocol.MessageStopOffer:
		switch state {
		case Connected:
			r.dropSubscription(WaitForOffer)
			return protocol.Message{}, false
		case DisconnectRequested:
			r.dropSubscription(NotConnected)
			return protocol.Message{}, false
		case NotConnected, ConnectRequested, WaitForOffer:
			return protocol.Message{}, false
		}
	}

	d.res.report(errorhandler.CaproProtocolError, errorhandler.Fatal,
		"subscriber %d (%s): unexpected %s in state %s", d.id, d.service, msg.Type, state)
	return protocol.Message{}, false
}

func (r SubscriberPortRouDi) dropSubscription(next ConnectionState) {
	r.d.samples.clear()
	r.d.connectedTo.Store(0)
	r.d.setState(next)
}

// ReleaseAllChunks drops the queued and held samples of a gone application
func (r SubscriberPortRouDi) ReleaseAllChunks() { r.d.samples.releaseAll() }

// Reclaim releases all chunks and returns the queue memory; the port is unusable afterwards
func (r SubscriberPortRouDi) Reclaim() {
	r.ReleaseAllChunks()
	freeQueue(r.d.res.Alloc, r.d.samples.queue)
}
