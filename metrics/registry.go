// Package metrics exposes storage engine activity as Prometheus metrics.
//
// A Registry subscribes to a Storage event bus and counts every event it
// sees. It owns its own prometheus.Registry so several engines in one
// process do not collide on the default registerer.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"southwinds.dev/sealbox"
)

const namespace = "sealbox"

// Registry holds the engine metrics
type Registry struct {
	registry *prometheus.Registry

	Events      *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	ValueBytes  prometheus.Histogram
	Compressed  prometheus.Counter
	Expired     prometheus.Counter
	KeyVersion  prometheus.Gauge
	Rotations   prometheus.Counter
	LastCleared prometheus.Gauge
}

// NewRegistry creates the metrics together with the Go runtime and
// process collectors
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Storage engine events by type.",
		}, []string{"type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed or degraded operations by operation.",
		}, []string{"operation"}),
		ValueBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "value_bytes",
			Help:      "Size of values written through the encrypted path.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
		Compressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressed_bytes_total",
			Help:      "Bytes of values compressed before encryption.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Entries removed because their expiry passed.",
		}),
		KeyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_version",
			Help:      "Key version after the last rotation.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Completed key rotations.",
		}),
		LastCleared: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_clear_removed",
			Help:      "Entries removed by the last clear.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Events, r.Errors, r.ValueBytes, r.Compressed,
		r.Expired, r.KeyVersion, r.Rotations, r.LastCleared,
	)
	return r
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process wide registry
func Global() *Registry {
	globalOnce.Do(func() { global = NewRegistry() })
	return global
}

// Gatherer exposes the underlying registry, mostly for tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Attach subscribes to every event type on bus. The returned function
// removes the subscriptions.
func (r *Registry) Attach(bus *sealbox.EventBus) (detach func()) {
	ids := make(map[sealbox.EventType]sealbox.ListenerID, len(sealbox.EventTypes))
	for _, eventType := range sealbox.EventTypes {
		ids[eventType] = bus.On(eventType, r.Observe)
	}
	return func() {
		for eventType, id := range ids {
			bus.Off(eventType, id)
		}
	}
}

// Observe records a single event
func (r *Registry) Observe(e sealbox.Event) {
	r.Events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case sealbox.EventEncrypted:
		if size, ok := intField(e.Metadata, "size"); ok {
			r.ValueBytes.Observe(float64(size))
		}
	case sealbox.EventCompressed:
		if size, ok := intField(e.Metadata, "original_size"); ok {
			r.Compressed.Add(float64(size))
		}
	case sealbox.EventExpired:
		r.Expired.Inc()
	case sealbox.EventKeyRotated:
		r.Rotations.Inc()
		if v, ok := intField(e.Metadata, "new_version"); ok {
			r.KeyVersion.Set(float64(v))
		}
	case sealbox.EventCleared:
		if n, ok := intField(e.Metadata, "removed"); ok {
			r.LastCleared.Set(float64(n))
		}
	case sealbox.EventError:
		operation := "unknown"
		if op, ok := e.Metadata["operation"].(string); ok {
			operation = op
		}
		r.Errors.WithLabelValues(operation).Inc()
	}
}

func intField(metadata map[string]interface{}, name string) (int, bool) {
	switch v := metadata[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
