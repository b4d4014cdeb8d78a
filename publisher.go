package iceoryx

import (
	"sync/atomic"

	"github.com/Indra5196/iceoryx/internal/port"
)

// Publisher sends samples of one topic to all its subscribers
type Publisher struct {
	rt     *Runtime
	user   port.PublisherPortUser
	closed atomic.Bool
}

// NewPublisher creates a publisher of service
func (rt *Runtime) NewPublisher(service ServiceDescription, opts PublisherOptions) (*Publisher, error) {
	opts.NodeName = rt.nodeName(opts.NodeName)
	d, err := rt.b.NewPublisher(service, opts)
	if err != nil {
		return nil, err
	}
	p := &Publisher{rt: rt, user: port.NewPublisherPortUser(d)}
	if err := rt.track(p); err != nil {
		d.Destroy()
		return nil, err
	}
	return p, nil
}

// Offer asks the broker to offer the topic
func (p *Publisher) Offer() { p.user.Offer() }

// StopOffer withdraws the topic; subscribers wait for another offer
func (p *Publisher) StopOffer() { p.user.StopOffer() }

// OfferRefused reports whether the broker refused the current offer
// Offer retries.
func (p *Publisher) OfferRefused() bool { return p.user.OfferRefused() }

// IsOffered reports whether the topic is offered and was not refused
func (p *Publisher) IsOffered() bool { return p.user.IsOffered() }

// HasSubscribers reports whether any subscriber is wired
func (p *Publisher) HasSubscribers() bool { return p.user.HasSubscribers() }

// Loan borrows a sample chunk with room for payloadSize bytes
func (p *Publisher) Loan(payloadSize uint32) (*Chunk, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	return p.user.TryAllocateChunk(payloadSize, PayloadAlign, 0, 0)
}

// Send publishes a loaned sample
func (p *Publisher) Send(c *Chunk) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.user.SendChunk(c)
}

// Release returns a loaned sample that will not be sent
func (p *Publisher) Release(c *Chunk) error { return p.user.ReleaseChunk(c) }

// Publish copies payload into a new sample and sends it
func (p *Publisher) Publish(payload []byte) error {
	c, err := p.Loan(uint32(len(payload)))
	if err != nil {
		return err
	}
	copy(c.Payload(), payload)
	return p.Send(c)
}

// Close destroys the port; the broker reclaims it on its next pass
func (p *Publisher) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.user.Data().Destroy()
	}
	return nil
}
