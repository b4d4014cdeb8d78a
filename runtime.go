package iceoryx

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/condvar"
)

// MaxRuntimeNameLength bounds the name an application registers with
const MaxRuntimeNameLength = 100

// Runtime is one application's handle to a broker
// Endpoints created through it are closed together with it.
type Runtime struct {
	name string
	b    *broker.Broker
	log  *zap.Logger

	mu        sync.Mutex
	closed    bool
	endpoints []endpoint
}

type endpoint interface {
	Close() error
}

// NewRuntime registers the application name with b
func NewRuntime(name string, b *Broker) (*Runtime, error) {
	if name == "" || len(name) > MaxRuntimeNameLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRuntimeName, name)
	}
	rt := &Runtime{
		name: name,
		b:    b,
		log:  b.Logger().Named("runtime").With(zap.String("runtime", name)),
	}
	rt.log.Debug("runtime registered")
	return rt, nil
}

// Name returns the runtime name given to NewRuntime
func (rt *Runtime) Name() string { return rt.name }

// track remembers e for Close; it fails once the runtime is closed
func (rt *Runtime) track(e endpoint) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrClosed
	}
	rt.endpoints = append(rt.endpoints, e)
	return nil
}

// waitSet creates a condition variable together with its listener
func (rt *Runtime) waitSet() (*broker.ConditionVariable, *condvar.Listener, error) {
	cv, err := rt.b.NewConditionVariable()
	if err != nil {
		return nil, nil, err
	}
	return cv, condvar.NewListener(cv.Data), nil
}

func (rt *Runtime) nodeName(name string) string {
	if name == "" {
		return rt.name
	}
	return name
}

// Close closes every endpoint created through rt
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	endpoints := rt.endpoints
	rt.endpoints = nil
	rt.mu.Unlock()

	var err error
	for _, e := range endpoints {
		err = multierr.Append(err, e.Close())
	}
	rt.log.Debug("runtime closed", zap.Int("endpoints", len(endpoints)))
	return err
}
