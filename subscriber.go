package iceoryx

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/port"
)

// Subscriber receives the samples of one topic
type Subscriber struct {
	rt       *Runtime
	user     port.SubscriberPortUser
	cv       *broker.ConditionVariable
	listener *condvar.Listener

	mu     sync.Mutex // serializes Receive
	closed atomic.Bool
}

// NewSubscriber creates a subscriber of service
func (rt *Runtime) NewSubscriber(service ServiceDescription, opts SubscriberOptions) (*Subscriber, error) {
	opts.NodeName = rt.nodeName(opts.NodeName)
	d, err := rt.b.NewSubscriber(service, opts)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{rt: rt, user: port.NewSubscriberPortUser(d)}
	if s.cv, s.listener, err = rt.waitSet(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := s.user.SetConditionVariable(s.cv.Data, 0); err != nil {
		s.release()
		return nil, err
	}
	if err := rt.track(s); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// Subscribe asks the broker to wire the subscriber to a publisher
func (s *Subscriber) Subscribe() { s.user.Subscribe() }

// Unsubscribe asks the broker to unwire the subscriber
func (s *Subscriber) Unsubscribe() { s.user.Unsubscribe() }

// SubscriptionState returns where the subscriber is in the subscribe handshake
func (s *Subscriber) SubscriptionState() ConnectionState { return s.user.SubscriptionState() }

// HasLostSamples reports whether samples were dropped since the last call
func (s *Subscriber) HasLostSamples() bool { return s.user.HasLostChunksSinceLastCall() }

// Take returns the oldest queued sample or ErrNoChunkAvailable
func (s *Subscriber) Take() (*Chunk, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.user.TryGetChunk()
}

// Release gives back a sample taken with Take
func (s *Subscriber) Release(c *Chunk) error { return s.user.ReleaseChunk(c) }

// Receive waits for the next sample and returns a copy of its payload
func (s *Subscriber) Receive(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		c, err := s.Take()
		switch {
		case errors.Is(err, port.ErrNoChunkAvailable):
			if err := waitForData(ctx, s.listener, s.closed.Load); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}
		out := bytes.Clone(c.Payload())
		_ = s.user.ReleaseChunk(c)
		return out, nil
	}
}

// Close destroys the subscriber; a pending Receive returns ErrClosed
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.listener.Destroy()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	return nil
}

func (s *Subscriber) release() {
	s.user.UnsetConditionVariable()
	s.rt.b.ReleaseConditionVariable(s.cv, s.user.Data().ID())
	s.user.Data().Destroy()
}
