package iceoryx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/port"
)

// Handler computes the response to one request
// request points into the request chunk and is only valid during the call.
// A non-nil error sends an empty response flagged as a server error.
// The response of a fire and forget request is discarded.
type Handler func(request []byte) ([]byte, error)

// HandlerFunc adapts a function that cannot fail
func HandlerFunc(f func(request []byte) []byte) Handler {
	return func(request []byte) ([]byte, error) { return f(request), nil }
}

// Server answers the requests of one service
type Server struct {
	rt       *Runtime
	user     port.ServerPortUser
	cv       *broker.ConditionVariable
	listener *condvar.Listener
	log      *zap.Logger

	mu     sync.Mutex // serializes request processing
	closed atomic.Bool
}

// NewServer creates a server of service
func (rt *Runtime) NewServer(service ServiceDescription, opts ServerOptions) (*Server, error) {
	opts.NodeName = rt.nodeName(opts.NodeName)
	d, err := rt.b.NewServer(service, opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		rt:   rt,
		user: port.NewServerPortUser(d),
		log:  rt.log.With(zap.Stringer("service", service), zap.Uint64("port", d.ID())),
	}
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

// Offer asks the broker to offer the service
func (s *Server) Offer() { s.user.Offer() }

// StopOffer withdraws the service; its clients wait for another offer
func (s *Server) StopOffer() { s.user.StopOffer() }

// OfferRefused reports whether the broker refused the current offer
// Offer retries.
func (s *Server) OfferRefused() bool { return s.user.OfferRefused() }

// IsOffered reports whether the service is offered and was not refused
func (s *Server) IsOffered() bool { return s.user.IsOffered() }

// HasClients reports whether any client is wired
func (s *Server) HasClients() bool {
	return s.user.HasClients()
}

// Take returns the oldest queued request or ErrNoChunkAvailable
func (s *Server) Take() (*Chunk, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.user.GetRequest()
}

// Loan borrows a response chunk addressed to the sender of req
func (s *Server) Loan(req *Chunk, payloadSize uint32) (*Chunk, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.user.AllocateResponse(req, payloadSize, PayloadAlign)
}

// Send delivers a response to the client it is addressed to
func (s *Server) Send(res *Chunk) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.user.SendResponse(res)
}

// Release returns a chunk obtained from Take or Loan
func (s *Server) Release(ch *Chunk) error {
	err := s.user.ReleaseRequest(ch)
	if errors.Is(err, port.ErrUnknownChunk) {
		return s.user.ReleaseResponse(ch)
	}
	return err
}

// ProcessRequests answers every queued request with h and returns how many were handled
// Failures to answer one request do not stop the others; they are returned together.
func (s *Server) ProcessRequests(h Handler) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var errs error
	n := 0
	for {
		req, err := s.user.GetRequest()
		if errors.Is(err, port.ErrNoChunkAvailable) {
			return n, errs
		}
		if err != nil {
			return n, multierr.Append(errs, err)
		}
		n++
		errs = multierr.Append(errs, s.handle(req, h))
	}
}

func (s *Server) handle(req *mempool.SharedChunk, h Handler) error {
	defer func() { _ = s.user.ReleaseRequest(req) }()
	rh, err := port.RequestHeaderOf(req)
	if err != nil {
		return err
	}
	out, herr := h(req.Payload())
	if rh.IsFireAndForget() {
		return nil
	}
	if herr != nil {
		out = nil
	}
	res, err := s.user.AllocateResponse(req, uint32(len(out)), PayloadAlign)
	if err != nil {
		return fmt.Errorf("response to client %d: %w", rh.ClientPortID(), err)
	}
	copy(res.Payload(), out)
	if herr != nil {
		s.log.Debug("handler failed", zap.Uint64("client", rh.ClientPortID()), zap.Error(herr))
		resHeader, _ := port.ResponseHeaderOf(res)
		resHeader.SetServerError()
	}
	if err := s.user.SendResponse(res); err != nil {
		return fmt.Errorf("response to client %d: %w", rh.ClientPortID(), err)
	}
	return nil
}

// Serve handles requests with h until ctx is done or the server is closed
func (s *Server) Serve(ctx context.Context, h Handler) error {
	for {
		if _, err := s.ProcessRequests(h); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			s.log.Warn("requests not answered", zap.Error(err))
		}
		err := waitForData(ctx, s.listener, s.closed.Load)
		switch {
		case errors.Is(err, ErrClosed):
			return err
		case err != nil:
			return nil
		}
	}
}

// Close destroys the server; a running Serve returns ErrClosed
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.listener.Destroy()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	return nil
}

func (s *Server) release() {
	s.user.UnsetConditionVariable()
	s.rt.b.ReleaseConditionVariable(s.cv, s.user.Data().ID())
	s.user.Data().Destroy()
}
