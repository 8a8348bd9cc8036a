package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/diodctl/pkg/metrics"
)

// ctlMetrics is the Prometheus implementation of metrics.CtlMetrics.
type ctlMetrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsRejected *prometheus.CounterVec
}

// NewCtlMetrics creates a Prometheus-backed CtlMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewCtlMetrics() metrics.CtlMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopCtlMetrics()
	}
	return newCtlMetrics(metrics.GetRegistry())
}

func newCtlMetrics(reg prometheus.Registerer) *ctlMetrics {
	return &ctlMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "diodctl_ctl_requests_total",
				Help: "Total number of control requests by procedure and status",
			},
			[]string{"procedure", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "diodctl_ctl_request_duration_seconds",
				Help: "Duration of control requests in seconds",
				Buckets: []float64{
					0.0001, // 100us
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1,      // 1s, a READ of server waiting for a spawn
					5,
					15,
				},
			},
			[]string{"procedure"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "diodctl_ctl_active_connections",
				Help: "Current number of control connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "diodctl_ctl_connections_accepted_total",
				Help: "Total number of control connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "diodctl_ctl_connections_closed_total",
				Help: "Total number of control connections closed",
			},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "diodctl_ctl_connections_rejected_total",
				Help: "Total number of control connections rejected by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *ctlMetrics) RecordRequest(procedure string, duration time.Duration, status string) {
	m.requestsTotal.WithLabelValues(procedure, status).Inc()
	m.requestDuration.WithLabelValues(procedure).Observe(duration.Seconds())
}

func (m *ctlMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *ctlMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *ctlMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *ctlMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}
