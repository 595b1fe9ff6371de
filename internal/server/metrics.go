package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	chatMessages    prometheus.Counter
	evictions       prometheus.Counter
	uploadsTotal    prometheus.Counter
	uploadErrors    *prometheus.CounterVec
	downloadsTotal  prometheus.Counter
	downloadErrors  *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	uploadSizeBytes prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharechat",
			Name:      "active_sessions",
			Help:      "Number of sessions that completed the name handshake.",
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "chat_messages_total",
			Help:      "Chat lines broadcast.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "broadcast_evictions_total",
			Help:      "Sessions removed because a broadcast delivery failed.",
		}),
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "uploads_total",
			Help:      "Completed uploads.",
		}),
		uploadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "upload_errors_total",
			Help:      "Failed uploads by reason.",
		}, []string{"reason"}),
		downloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "downloads_total",
			Help:      "Completed downloads.",
		}),
		downloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "download_errors_total",
			Help:      "Failed downloads by reason.",
		}, []string{"reason"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "file_bytes_received_total",
			Help:      "File bytes received from uploaders.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharechat",
			Name:      "file_bytes_sent_total",
			Help:      "File bytes streamed to downloaders.",
		}),
		uploadSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sharechat",
			Name:      "upload_size_bytes",
			Help:      "Size of completed uploads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.chatMessages,
		m.evictions,
		m.uploadsTotal,
		m.uploadErrors,
		m.downloadsTotal,
		m.downloadErrors,
		m.bytesReceived,
		m.bytesSent,
		m.uploadSizeBytes,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for the /metrics handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
