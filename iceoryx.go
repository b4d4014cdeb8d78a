// Package iceoryx is the application side of the middleware.
//
// A Runtime binds an application to a broker and creates the endpoints: a
// Client sends requests and waits for their responses, a Server answers them
// through a Handler, a Publisher sends samples to every Subscriber of its
// topic. Payloads live in broker owned chunks; the Loan/Send/Take/Release
// methods work on those chunks directly, the Call/Publish/Receive helpers copy.
package iceoryx

import (
	"context"
	"errors"
	"time"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/port"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

type (
	Broker             = broker.Broker
	Chunk              = mempool.SharedChunk
	ServiceDescription = protocol.ServiceDescription
	ConnectionState    = port.ConnectionState
	ClientOptions      = port.ClientOptions
	ServerOptions      = port.ServerOptions
	PublisherOptions   = port.PublisherOptions
	SubscriberOptions  = port.SubscriberOptions
)

var (
	ErrClosed             = errors.New("iox: endpoint closed")
	ErrTimeout            = errors.New("iox: no response in time")
	ErrServerError        = errors.New("iox: server failed to handle the request")
	ErrInvalidRuntimeName = errors.New("iox: invalid runtime name")

	// Errors of the chunk level API
	ErrNoChunkAvailable            = port.ErrNoChunkAvailable
	ErrTooManyChunksHeldInParallel = port.ErrTooManyChunksHeldInParallel
)

const (
	NotConnected        = port.NotConnected
	ConnectRequested    = port.ConnectRequested
	Connected           = port.Connected
	DisconnectRequested = port.DisconnectRequested
	WaitForOffer        = port.WaitForOffer
)

// PayloadAlign is the alignment of payloads loaned through this package
const PayloadAlign = 8

// waitSlice bounds one sleep on a condition variable so that context
// cancellation is noticed
const waitSlice = 10 * time.Millisecond

// NewServiceDescription validates and builds the service/instance/event triple
func NewServiceDescription(service, instance, event string) (ServiceDescription, error) {
	return protocol.NewServiceDescription(service, instance, event)
}

// DefaultClientOptions returns the client defaults: connect on create, no history
func DefaultClientOptions() ClientOptions { return port.DefaultClientOptions() }

// DefaultServerOptions returns the server defaults: offer on create, no history
func DefaultServerOptions() ServerOptions { return port.DefaultServerOptions() }

// DefaultPublisherOptions returns the publisher defaults
func DefaultPublisherOptions() PublisherOptions { return port.DefaultPublisherOptions() }

// DefaultSubscriberOptions returns the subscriber defaults
func DefaultSubscriberOptions() SubscriberOptions { return port.DefaultSubscriberOptions() }

// waitForData sleeps on l until a notification arrives or ctx is done
// closed is checked between sleeps since a destroyed listener never blocks.
func waitForData(ctx context.Context, l *condvar.Listener, closed func() bool) error {
	for {
		if closed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if len(l.TimedWait(waitSlice)) > 0 {
			return nil
		}
	}
}
