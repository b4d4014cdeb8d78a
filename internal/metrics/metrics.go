// Package metrics exposes the broker's view of the middleware to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Indra5196/iceoryx/internal/mempool"
)

// Metrics holds the broker collectors
type Metrics struct {
	// Chunk pools, labelled by chunk size
	PoolChunks     *prometheus.GaugeVec
	PoolUsedChunks *prometheus.GaugeVec
	PoolMinFree    *prometheus.GaugeVec

	// Ports, labelled by kind
	Ports *prometheus.GaugeVec

	// Lost chunks per receive queue, labelled by kind, service and port
	LostChunks *prometheus.GaugeVec

	RegistrySize   prometheus.Gauge
	CaProMessages  *prometheus.CounterVec
	HandlerReports *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PoolChunks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "iox_mempool_chunks",
				Help: "Number of chunks in a mempool",
			},
			[]string{"chunk_size"},
		),
		PoolUsedChunks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "iox_mempool_used_chunks",
				Help: "Number of chunks currently in flight",
			},
			[]string{"chunk_size"},
		),
		PoolMinFree: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "iox_mempool_min_free_chunks",
				Help: "Lowest number of free chunks observed",
			},
			[]string{"chunk_size"},
		),
		Ports: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "iox_ports",
				Help: "Number of live ports",
			},
			[]string{"kind"},
		),
		LostChunks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "iox_queue_lost_chunks",
				Help: "Chunks a receive queue discarded because it was full",
			},
			[]string{"kind", "service", "port"},
		),
		RegistrySize: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "iox_service_registry_entries",
				Help: "Number of offered service descriptions",
			},
		),
		CaProMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iox_capro_messages_total",
				Help: "Control messages routed by the broker",
			},
			[]string{"type"},
		),
		HandlerReports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iox_error_reports_total",
				Help: "Errors reported to the error handler",
			},
			[]string{"code", "severity"},
		),
	}
}

// ObservePools records a snapshot of the chunk pools
func (m *Metrics) ObservePools(pools []mempool.PoolInfo) {
	for _, p := range pools {
		size := strconv.FormatUint(uint64(p.ChunkSize), 10)
		m.PoolChunks.WithLabelValues(size).Set(float64(p.NumChunks))
		m.PoolUsedChunks.WithLabelValues(size).Set(float64(p.UsedChunks))
		m.PoolMinFree.WithLabelValues(size).Set(float64(p.MinFreeChunks))
	}
}

// ObserveLostChunks records the lost counter of one receive queue
func (m *Metrics) ObserveLostChunks(kind, service string, portID, lost uint64) {
	m.LostChunks.WithLabelValues(kind, service, strconv.FormatUint(portID, 10)).Set(float64(lost))
}

// ForgetPort drops the series of a destroyed port
func (m *Metrics) ForgetPort(kind, service string, portID uint64) {
	m.LostChunks.DeleteLabelValues(kind, service, strconv.FormatUint(portID, 10))
}
