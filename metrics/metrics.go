// Package metrics implements the observability surface for the watch
// orchestrator: Prometheus counters and gauges for segments rotated, bytes
// uploaded, upload retries, and spool depth. The registry is exposed for an
// embedding binary to wire into its own /metrics handler; this module never
// binds one itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the counters and gauges tracked across a session's
// lifetime.
type Metrics struct {
	Registry *prometheus.Registry

	SegmentsRotated prometheus.Counter
	BytesUploaded   prometheus.Counter
	UploadRetries   prometheus.Counter
	UploadFailures  prometheus.Counter
	SpoolDepth      prometheus.Gauge
}

// New constructs a Metrics bound to a fresh registry with all series
// registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		SegmentsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_uploader_segments_rotated_total",
			Help: "Total number of segments closed and staged for upload.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_uploader_bytes_uploaded_total",
			Help: "Total bytes successfully uploaded across all endpoints.",
		}),
		UploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_uploader_upload_retries_total",
			Help: "Total number of retried upload attempts.",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_uploader_upload_failures_total",
			Help: "Total number of uploads that exhausted retries or failed fatally.",
		}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_uploader_spool_depth",
			Help: "Number of entries currently queued in the spool.",
		}),
	}

	registry.MustRegister(
		m.SegmentsRotated,
		m.BytesUploaded,
		m.UploadRetries,
		m.UploadFailures,
		m.SpoolDepth,
	)
	return m
}
