package iceoryx

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/port"
)

// Client sends requests to the server of one service
type Client struct {
	rt       *Runtime
	user     port.ClientPortUser
	cv       *broker.ConditionVariable
	listener *condvar.Listener
	log      *zap.Logger

	timeout atomic.Int64 // Call waiting time in nanoseconds, 0 waits for ctx
	callMu  sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client of service
func (rt *Runtime) NewClient(service ServiceDescription, opts ClientOptions) (*Client, error) {
	opts.NodeName = rt.nodeName(opts.NodeName)
	d, err := rt.b.NewClient(service, opts)
	if err != nil {
		return nil, err
	}
	c := &Client{
		rt:   rt,
		user: port.NewClientPortUser(d),
		log:  rt.log.With(zap.Stringer("service", service), zap.Uint64("port", d.ID())),
	}
	if c.cv, c.listener, err = rt.waitSet(); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := c.user.SetConditionVariable(c.cv.Data, 0); err != nil {
		c.release()
		return nil, err
	}
	if err := rt.track(c); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

// SetResponseTimeout bounds how long Call waits for its response
func (c *Client) SetResponseTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

// Connect asks the broker to wire the client to an offering server
func (c *Client) Connect() { c.user.Connect() }

// Disconnect asks the broker to unwire the client
func (c *Client) Disconnect() { c.user.Disconnect() }

// ConnectionState returns where the client is in the connect handshake
func (c *Client) ConnectionState() ConnectionState { return c.user.ConnectionState() }

// Loan borrows a request chunk with room for payloadSize bytes
func (c *Client) Loan(payloadSize uint32) (*Chunk, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.user.AllocateRequest(payloadSize, PayloadAlign)
}

// Send hands a loaned request to the server
func (c *Client) Send(req *Chunk) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.user.SendRequest(req)
}

// Take returns the oldest queued response or ErrNoChunkAvailable
func (c *Client) Take() (*Chunk, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.user.GetResponse()
}

// Release returns a chunk obtained from Loan or Take
func (c *Client) Release(ch *Chunk) error {
	err := c.user.ReleaseResponse(ch)
	if errors.Is(err, port.ErrUnknownChunk) {
		return c.user.ReleaseRequest(ch)
	}
	return err
}

// HasLostResponses reports whether responses were dropped since the last call
func (c *Client) HasLostResponses() bool { return c.user.HasLostResponsesSinceLastCall() }

// Call sends payload and waits for the matching response
// Responses to earlier, abandoned calls are dropped. A fire and forget client
// returns as soon as the request is sent.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	req, err := c.Loan(uint32(len(payload)))
	if err != nil {
		return nil, err
	}
	copy(req.Payload(), payload)
	h, err := port.RequestHeaderOf(req)
	if err != nil {
		_ = c.user.ReleaseRequest(req)
		return nil, err
	}
	seq, fireAndForget := h.SequenceID(), h.IsFireAndForget()
	if err := c.Send(req); err != nil {
		return nil, err
	}
	if fireAndForget {
		return nil, nil
	}

	if d := time.Duration(c.timeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d, ErrTimeout)
		defer cancel()
	}
	for {
		res, err := c.user.GetResponse()
		switch {
		case errors.Is(err, port.ErrNoChunkAvailable):
			if err := waitForData(ctx, c.listener, c.closed.Load); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}

		rh, err := port.ResponseHeaderOf(res)
		if err != nil || rh.SequenceID() != seq {
			c.log.Debug("dropping stale response")
			_ = c.user.ReleaseResponse(res)
			continue
		}
		out, failed := bytes.Clone(res.Payload()), rh.HasServerError()
		_ = c.user.ReleaseResponse(res)
		if failed {
			return nil, ErrServerError
		}
		return out, nil
	}
}

// Close destroys the client; a pending Call returns ErrClosed
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.listener.Destroy()
	c.callMu.Lock()
	defer c.callMu.Unlock()
	c.release()
	return nil
}

func (c *Client) release() {
	c.user.UnsetConditionVariable()
	c.rt.b.ReleaseConditionVariable(c.cv, c.user.Data().ID())
	c.user.Data().Destroy()
}
