// Package metrics exposes prometheus counters for backend traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Backend labels.
const (
	BackendSession = "session-scoped"
	BackendShared  = "shared-across-tabs"
	BackendKV      = "async-kv"
	BackendSQLite  = "sqlite"
)

// Collector groups the counters one browsing context reports.
// A nil *Collector is valid and records nothing.
type Collector struct {
	Reads               *prometheus.CounterVec
	Writes              *prometheus.CounterVec
	SerializationErrors *prometheus.CounterVec
	ExternalChanges     prometheus.Counter
	Persists            prometheus.Counter
	ImageBytes          prometheus.Gauge
}

// New creates a Collector and registers it with reg.
// If reg is nil the counters are created but not registered.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnistore",
			Name:      "reads_total",
			Help:      "Record reads per backend.",
		}, []string{"backend"}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnistore",
			Name:      "writes_total",
			Help:      "Record writes per backend.",
		}, []string{"backend"}),
		SerializationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnistore",
			Name:      "serialization_errors_total",
			Help:      "Records that failed to encode or decode.",
		}, []string{"backend"}),
		ExternalChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnistore",
			Name:      "external_changes_total",
			Help:      "Shared-store changes made by other contexts.",
		}),
		Persists: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omnistore",
			Name:      "sqlite_persists_total",
			Help:      "Relational images written to storage.",
		}),
		ImageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnistore",
			Name:      "sqlite_image_bytes",
			Help:      "Size of the last persisted relational image.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.Reads, c.Writes, c.SerializationErrors, c.ExternalChanges, c.Persists, c.ImageBytes)
	}
	return c
}

func (c *Collector) Read(backend string) {
	if c == nil {
		return
	}
	c.Reads.WithLabelValues(backend).Inc()
}

func (c *Collector) Write(backend string) {
	if c == nil {
		return
	}
	c.Writes.WithLabelValues(backend).Inc()
}

func (c *Collector) SerializationError(backend string) {
	if c == nil {
		return
	}
	c.SerializationErrors.WithLabelValues(backend).Inc()
}

func (c *Collector) ExternalChange() {
	if c == nil {
		return
	}
	c.ExternalChanges.Inc()
}

// Persisted records a successful image write of n bytes.
func (c *Collector) Persisted(n int) {
	if c == nil {
		return
	}
	c.Persists.Inc()
	c.ImageBytes.Set(float64(n))
}
