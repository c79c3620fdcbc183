package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the debugger.
type Metrics struct {
	// Session metrics
	SuspendsTotal *prometheus.CounterVec
	StepsTotal    prometheus.Counter
	CommandsTotal *prometheus.CounterVec

	// Watchpoint metrics
	WatchpointsActive prometheus.Gauge
	WatchpointHits    *prometheus.CounterVec

	// Transport metrics
	TransportRequests *prometheus.CounterVec
	TransportFailures *prometheus.CounterVec
	CommandRetries    prometheus.Counter

	// Tensor transfer metrics
	TensorChunksSent prometheus.Counter
	TensorBytesSent  prometheus.Counter

	// Overflow metrics
	OverflowRecords prometheus.Counter
}

// New creates a metrics collector registered on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SuspendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debugger_suspends_total",
				Help: "Total number of execution suspensions by reason",
			},
			[]string{"reason"},
		),
		StepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "debugger_steps_total",
				Help: "Total number of completed graph steps observed",
			},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debugger_commands_total",
				Help: "Total number of controller commands dispatched by kind",
			},
			[]string{"kind"},
		),
		WatchpointsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "debugger_watchpoints_active",
				Help: "Number of registered watchpoints",
			},
		),
		WatchpointHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debugger_watchpoint_hits_total",
				Help: "Total number of watchpoint hits by condition",
			},
			[]string{"condition"},
		),
		TransportRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debugger_transport_requests_total",
				Help: "Total number of transport requests by method and status",
			},
			[]string{"method", "status"},
		),
		TransportFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debugger_transport_failures_total",
				Help: "Total number of transport failures by method",
			},
			[]string{"method"},
		),
		CommandRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "debugger_command_retries_total",
				Help: "Total number of WaitForCommand retries",
			},
		),
		TensorChunksSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "debugger_tensor_chunks_sent_total",
				Help: "Total number of tensor chunks sent to the controller",
			},
		),
		TensorBytesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "debugger_tensor_bytes_sent_total",
				Help: "Total tensor payload bytes sent to the controller",
			},
		),
		OverflowRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "debugger_overflow_records_total",
				Help: "Total number of hardware overflow records processed",
			},
		),
	}
}

// NewDefault creates a metrics collector on the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// RecordSuspend records a suspension with its trigger reason.
func (m *Metrics) RecordSuspend(reason string) {
	m.SuspendsTotal.WithLabelValues(reason).Inc()
}

// RecordCommand records a dispatched controller command.
func (m *Metrics) RecordCommand(kind string) {
	m.CommandsTotal.WithLabelValues(kind).Inc()
}

// RecordTransport records a completed transport request.
func (m *Metrics) RecordTransport(method, status string) {
	m.TransportRequests.WithLabelValues(method, status).Inc()
}

// RecordTransportFailure records a failed transport request.
func (m *Metrics) RecordTransportFailure(method string) {
	m.TransportFailures.WithLabelValues(method).Inc()
}

// RecordHit records a watchpoint hit for the given condition.
func (m *Metrics) RecordHit(condition string) {
	m.WatchpointHits.WithLabelValues(condition).Inc()
}

// RecordChunks records tensor chunks and payload bytes sent.
func (m *Metrics) RecordChunks(chunks int, bytes int) {
	m.TensorChunksSent.Add(float64(chunks))
	m.TensorBytesSent.Add(float64(bytes))
}
