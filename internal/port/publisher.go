package port

import (
	"fmt"

	"github.com/Indra5196/iceoryx/internal/distributor"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

// PublisherPortData is the state of one publisher port
type PublisherPortData struct {
	BasePortData
	res     Resources
	options PublisherOptions

	offer offerState

	samples *chunkSender
}

// NewPublisherPortData creates a publisher port
// Publishers own no queue; subscribers bring theirs.
func NewPublisherPortData(res Resources, service protocol.ServiceDescription, id uint64, opts PublisherOptions) (*PublisherPortData, error) {
	s, err := newChunkSender(id, res, distributor.Config{
		HistoryCapacity: opts.HistoryCapacity,
		TooSlowPolicy:   opts.SubscriberTooSlowPolicy,
		BlockTimeout:    opts.SendTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("publisher %s: %w", service, err)
	}
	d := &PublisherPortData{
		BasePortData: BasePortData{service: service, id: id, nodeName: opts.NodeName},
		res:          res,
		options:      opts,
		samples:      s,
	}
	d.offer.init(opts.OfferOnCreate)
	return d, nil
}

// Options returns the options the port was created with
func (d *PublisherPortData) Options() PublisherOptions { return d.options }

// PublisherPortUser is the application side of a publisher port
type PublisherPortUser struct{ d *PublisherPortData }

// NewPublisherPortUser returns the application view of d
func NewPublisherPortUser(d *PublisherPortData) PublisherPortUser { return PublisherPortUser{d: d} }

// Data returns the port state behind the view
func (u PublisherPortUser) Data() *PublisherPortData { return u.d }

// TryAllocateChunk loans a sample chunk
func (u PublisherPortUser) TryAllocateChunk(payloadSize, payloadAlign, userHeaderSize, userHeaderAlign uint32) (*mempool.SharedChunk, error) {
	settings, err := mempool.NewChunkSettings(payloadSize, payloadAlign, userHeaderSize, userHeaderAlign)
	if err != nil {
		return nil, err
	}
	return u.d.samples.tryAllocate(settings)
}

// ReleaseChunk gives back a loaned sample that will not be sent
func (u PublisherPortUser) ReleaseChunk(c *mempool.SharedChunk) error {
	return u.d.samples.release(c)
}

// SendChunk publishes a loaned sample
// Without an offer the sample only goes to the history.
func (u PublisherPortUser) SendChunk(c *mempool.SharedChunk) error {
	if !u.d.offer.wanted() {
		return u.d.samples.pushToHistory(c)
	}
	_, err := u.d.samples.send(c)
	return err
}

// Offer asks the broker to offer the service
// An offer the broker refused is retried by calling Offer again.
func (u PublisherPortUser) Offer() { u.d.offer.offer() }

// StopOffer asks the broker to withdraw the service
func (u PublisherPortUser) StopOffer() { u.d.offer.stopOffer() }

// IsOffered reports whether the application offers the service and the broker
// has not refused it
func (u PublisherPortUser) IsOffered() bool { return u.d.offer.wanted() }

// OfferRefused reports whether the broker refused the current offer
func (u PublisherPortUser) OfferRefused() bool { return u.d.offer.wasRefused() }

// HasSubscribers reports whether any subscriber is connected
func (u PublisherPortUser) HasSubscribers() bool { return u.d.samples.dist.HasStoredQueues() }

// PublisherPortRouDi is the broker side of a publisher port
type PublisherPortRouDi struct {
	*BasePortData
	d *PublisherPortData
}

// NewPublisherPortRouDi returns the broker view of d
func NewPublisherPortRouDi(d *PublisherPortData) PublisherPortRouDi {
	return PublisherPortRouDi{BasePortData: &d.BasePortData, d: d}
}

// Data returns the port state behind the view
func (r PublisherPortRouDi) Data() *PublisherPortData { return r.d }

// IsOffered reports whether the broker considers the topic offered
func (r PublisherPortRouDi) IsOffered() bool { return r.d.offer.offered.Load() }

// TryGetCaProMessage turns a changed offer wish into a message for the subscribers
func (r PublisherPortRouDi) TryGetCaProMessage() (protocol.Message, bool) {
	d := r.d
	wanted := d.offer.wanted()
	offered := d.offer.offered.Load()
	switch {
	case wanted && !offered:
		d.offer.offered.Store(true)
		msg := protocol.NewMessage(protocol.MessageOffer, d.service, d.id)
		msg.SubType = subTypeFor(d.samples.dist.HistoryCapacity())
		msg.HistoryCapacity = d.samples.dist.HistoryCapacity()
		return msg, true
	case !wanted && offered:
		d.offer.offered.Store(false)
		d.samples.dist.RemoveAllQueues()
		return protocol.NewMessage(protocol.MessageStopOffer, d.service, d.id), true
	}
	return protocol.Message{}, false
}

// DispatchCaProMessageAndGetPossibleResponse answers a subscriber's message
func (r PublisherPortRouDi) DispatchCaProMessageAndGetPossibleResponse(msg protocol.Message) (protocol.Message, bool) {
	d := r.d
	switch msg.Type {
	case protocol.MessageConnect, protocol.MessageOfferAck:
		if !d.offer.offered.Load() {
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		if err := addQueue(d.samples, msg.Queue, msg.HistoryCapacity); err != nil {
			d.res.report(errorhandler.QueueRegistrationFailed, errorhandler.Moderate,
				"publisher %d (%s): register subscriber %d: %v", d.id, d.service, msg.PortID, err)
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		return msg.Reply(protocol.MessageAck, d.id), true

	case protocol.MessageDisconnect:
		if !d.offer.offered.Load() || msg.Queue == nil {
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		if err := d.samples.dist.TryRemoveQueue(msg.Queue); err != nil {
			return msg.Reply(protocol.MessageNack, d.id), true
		}
		return msg.Reply(protocol.MessageAck, d.id), true

	case protocol.MessageAck, protocol.MessageNack:
		return protocol.Message{}, false
	}

	d.res.report(errorhandler.CaproProtocolError, errorhandler.Fatal,
		"publisher %d (%s): unexpected %s", d.id, d.service, msg.Type)
	return protocol.Message{}, false
}

// RevokeOffer takes back an offer the broker could not register
func (r PublisherPortRouDi) RevokeOffer() {
	r.d.offer.revoke()
	r.d.samples.dist.RemoveAllQueues()
}

// ReleaseAllChunks reclaims the loans and the history of a gone application
func (r PublisherPortRouDi) ReleaseAllChunks() { r.d.samples.releaseAll() }

// Reclaim releases all chunks; a publisher owns no queue memory
func (r PublisherPortRouDi) Reclaim() { r.ReleaseAllChunks() }
