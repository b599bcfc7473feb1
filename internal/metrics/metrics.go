// ABOUTME: Prometheus collectors for connections, pipeline stages, frames and agent calls
// ABOUTME: Each Metrics owns a private registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qai"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	HandshakeRejections *prometheus.CounterVec
	ConnectionsEvicted  prometheus.Counter

	// Pipeline metrics
	StageEvaluations *prometheus.CounterVec

	// Frame metrics
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	FramesDropped  prometheus.Counter
	FrameErrors    *prometheus.CounterVec

	// Agent metrics
	AgentRequests *prometheus.CounterVec
	AgentDuration prometheus.Histogram

	// Staging metrics
	AttachmentsStaged prometheus.Counter
	StagingPurged     prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Number of registered WebSocket connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total number of connections that reached the active state",
		}),
		HandshakeRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "handshake_rejections_total",
			Help:      "Handshakes rejected, by error kind",
		}, []string{"kind"}),
		ConnectionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_evicted_total",
			Help:      "Connections closed by the idle sweeper",
		}),

		StageEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_evaluations_total",
			Help:      "Pipeline stage evaluations, by phase, stage and result",
		}, []string{"phase", "stage", "result"}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_received_total",
			Help:      "Inbound frames read from clients",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to clients",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a send queue was full",
		}),
		FrameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frame_errors_total",
			Help:      "Inbound frames rejected, by error kind",
		}, []string{"kind"}),

		AgentRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Agent Service calls, by result",
		}, []string{"result"}),
		AgentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "request_duration_seconds",
			Help:      "Agent Service call latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		AttachmentsStaged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "attachments_total",
			Help:      "Attachments written to the staging directory",
		}),
		StagingPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "purged_sessions_total",
			Help:      "Session staging directories removed by retention",
		}),
	}
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
