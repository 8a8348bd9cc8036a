package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/diodctl/pkg/metrics"
)

type supervisorMetrics struct {
	spawnsTotal   *prometheus.CounterVec
	spawnDuration prometheus.Histogram
	acquiresTotal *prometheus.CounterVec
	exitsTotal    *prometheus.CounterVec
	terminations  *prometheus.CounterVec
	backends      *prometheus.GaugeVec
	leases        prometheus.Gauge
}

// NewSupervisorMetrics creates a Prometheus-backed SupervisorMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewSupervisorMetrics() metrics.SupervisorMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopSupervisorMetrics()
	}
	return newSupervisorMetrics(metrics.GetRegistry())
}

func newSupervisorMetrics(reg prometheus.Registerer) *supervisorMetrics {
	return &supervisorMetrics{
		spawnsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "diodctl_backend_spawns_total",
				Help: "Total number of backend spawn attempts by outcome",
			},
			[]string{"outcome"},
		),
		spawnDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "diodctl_backend_spawn_duration_seconds",
				Help:    "Time from exec to readiness handshake",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		acquiresTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "diodctl_backend_acquires_total",
				Help: "Total number of backend acquires by outcome",
			},
			[]string{"outcome"},
		),
		exitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "diodctl_backend_exits_total",
				Help: "Total number of reaped backends",
			},
			[]string{"clean"},
		),
		terminations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "diodctl_backend_terminations_total",
				Help: "Termination signals sent to backends by reason",
			},
			[]string{"reason"},
		),
		backends: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diodctl_backends",
				Help: "Current number of backend records by state",
			},
			[]string{"state"},
		),
		leases: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "diodctl_backend_leases",
				Help: "Outstanding control handles holding a backend",
			},
		),
	}
}

func (m *supervisorMetrics) RecordSpawn(duration time.Duration, outcome string) {
	m.spawnsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.spawnDuration.Observe(duration.Seconds())
	}
}

func (m *supervisorMetrics) RecordAcquire(outcome string) {
	m.acquiresTotal.WithLabelValues(outcome).Inc()
}

func (m *supervisorMetrics) RecordExit(clean bool) {
	label := "false"
	if clean {
		label = "true"
	}
	m.exitsTotal.WithLabelValues(label).Inc()
}

func (m *supervisorMetrics) RecordTermination(reason string) {
	m.terminations.WithLabelValues(reason).Inc()
}

func (m *supervisorMetrics) SetBackends(state string, count int) {
	m.backends.WithLabelValues(state).Set(float64(count))
}

func (m *supervisorMetrics) SetLeases(count int) {
	m.leases.Set(float64(count))
}
