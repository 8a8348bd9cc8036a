// Package metrics provides Prometheus metrics collection for diodctl.
//
// All metrics are optional. Until InitRegistry is called every constructor
// returns a no-op implementation, so components can be built with or without
// metrics and never check for nil.
//
// Usage:
//
//	metrics.InitRegistry()
//	ctlMetrics := prometheus.NewCtlMetrics()
//	supMetrics := prometheus.NewSupervisorMetrics()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry with the Go
// runtime and process collectors. Subsequent calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
