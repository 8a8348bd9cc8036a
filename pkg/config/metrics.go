package config

import (
	"github.com/marmos91/diodctl/pkg/metrics"
	promMetrics "github.com/marmos91/diodctl/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// CtlMetrics is the collector for the control adapter (never nil)
	CtlMetrics metrics.CtlMetrics

	// SupervisorMetrics is the collector for backend lifecycle (never nil)
	SupervisorMetrics metrics.SupervisorMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			CtlMetrics:        metrics.NewNoopCtlMetrics(),
			SupervisorMetrics: metrics.NewNoopSupervisorMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:            server,
		CtlMetrics:        promMetrics.NewCtlMetrics(),
		SupervisorMetrics: promMetrics.NewSupervisorMetrics(),
	}
}
