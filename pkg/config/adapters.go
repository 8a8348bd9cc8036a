package config

import (
	"fmt"

	"github.com/marmos91/diodctl/pkg/adapter"
	"github.com/marmos91/diodctl/pkg/adapter/ctl"
	"github.com/marmos91/diodctl/pkg/metrics"
)

// CreateAdapters creates the protocol adapters from the configuration.
//
// Parameters:
//   - cfg: The complete diodctl configuration
//   - ctlMetrics: Optional control adapter metrics collector (nil = no metrics)
//
// Returns:
//   - []adapter.Adapter: Adapters ready to be added to the server
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config, ctlMetrics metrics.CtlMetrics) ([]adapter.Adapter, error) {
	ctlAdapter, err := ctl.New(ctl.Config{
		Listen:             append([]string(nil), cfg.Listen...),
		Workers:            cfg.Server.Workers,
		MaxConnections:     cfg.Server.MaxConnections,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		MetricsLogInterval: cfg.Server.MetricsLogInterval,
		AuthRequired:       cfg.Auth.Required,
		Access:             CreateAccessConfig(cfg),
	}, ctlMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create control adapter: %w", err)
	}

	return []adapter.Adapter{ctlAdapter}, nil
}
