package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/metrics"
	"github.com/Indra5196/iceoryx/internal/registry"
)

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the logger; the default discards everything
func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithErrorHandler sets where protocol and resource errors are reported
// The default logs the report and panics on Fatal.
func WithErrorHandler(h errorhandler.Handler) Option {
	return func(b *Broker) { b.handler = h }
}

// WithMetrics registers the broker collectors with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Broker) { b.metrics = metrics.New(reg) }
}

// WithRegistryCapacity bounds the number of distinct offered services
func WithRegistryCapacity(n int) Option {
	return func(b *Broker) { b.registry = registry.NewWithCapacity(n) }
}
