// Package metrics holds the Prometheus collectors for broadcast servers and
// viewers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "framecast"

// Server contains the collectors of one broadcast stream. Every collector
// carries a constant "stream" label so several servers can share a registry.
type Server struct {
	ActiveConnections prometheus.Gauge
	AcceptedTotal     prometheus.Counter
	RejectedTotal     prometheus.Counter
	DisconnectsTotal  prometheus.Counter

	FramesBroadcast prometheus.Counter
	FramesDropped   prometheus.Counter
	BytesSent       prometheus.Counter
	PacketBytes     prometheus.Histogram
	EncodeDuration  prometheus.Histogram

	ErrorsTotal *prometheus.CounterVec
}

// NewServer registers the stream collectors on reg.
func NewServer(reg prometheus.Registerer, stream string) *Server {
	f := promauto.With(reg)
	labels := prometheus.Labels{"stream": stream}
	return &Server{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "active_connections",
			Help:        "Number of registered viewer connections",
			ConstLabels: labels,
		}),
		AcceptedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "accepted_connections_total",
			Help:        "Viewer connections admitted to the registry",
			ConstLabels: labels,
		}),
		RejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "rejected_connections_total",
			Help:        "Viewer connections closed because the stream was full",
			ConstLabels: labels,
		}),
		DisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "pruned_connections_total",
			Help:        "Viewer connections removed after a failed write",
			ConstLabels: labels,
		}),
		FramesBroadcast: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "frames_broadcast_total",
			Help:        "Frames encoded and fanned out",
			ConstLabels: labels,
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "frames_dropped_total",
			Help:        "Frames dropped by the rate limiter or because they were invalid",
			ConstLabels: labels,
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "bytes_sent_total",
			Help:        "Packet bytes written to viewers",
			ConstLabels: labels,
		}),
		PacketBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "packet_bytes",
			Help:        "Size of encoded packets",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		EncodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "encode_duration_seconds",
			Help:        "Time spent compressing a frame",
			ConstLabels: labels,
			Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "errors_total",
			Help:        "Errors by type",
			ConstLabels: labels,
		}, []string{"error_type"}),
	}
}

// RecordConnection records a connection admitted to the registry.
func (m *Server) RecordConnection() {
	m.AcceptedTotal.Inc()
	m.ActiveConnections.Inc()
}

// RecordDisconnection records a connection leaving the registry.
func (m *Server) RecordDisconnection(pruned bool) {
	m.ActiveConnections.Dec()
	if pruned {
		m.DisconnectsTotal.Inc()
	}
}

func (m *Server) RecordRejection() {
	m.RejectedTotal.Inc()
}

func (m *Server) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Viewer contains the collectors of a viewer process.
type Viewer struct {
	Connected      prometheus.Gauge
	FramesReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	Reconnects     prometheus.Counter
	DialFailures   prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
}

func NewViewer(reg prometheus.Registerer) *Viewer {
	f := promauto.With(reg)
	return &Viewer{
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "connected",
			Help:      "1 while streaming from the server, 0 otherwise",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "frames_received_total",
			Help:      "Frames decoded and presented",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "bytes_received_total",
			Help:      "Decoded RGB bytes received",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "reconnects_total",
			Help:      "Streaming sessions lost and retried",
		}),
		DialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "dial_failures_total",
			Help:      "Failed connection attempts",
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "stream_errors_total",
			Help:      "Streaming sessions ended, by status",
		}, []string{"status"}),
	}
}
