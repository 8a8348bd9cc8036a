package config

import (
	"strings"
	"time"
)

// Default values shared by ApplyDefaults and the command line help.
const (
	DefaultListen      = "0.0.0.0:564"
	DefaultBackendPath = "/usr/sbin/diod"
	DefaultRunDir      = "/var/run/diod"
	DefaultMetricsPort = 9564
	DefaultWorkers     = 16

	// SampleExport is the placeholder export written by InitConfig.
	SampleExport = "/export"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans defaulting to true are seeded in viper, not here
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{DefaultListen}
	}

	applyAccessDefaults(&cfg.Access)
	applyServerDefaults(&cfg.Server)
	applyBackendDefaults(&cfg.Backend)
	applySupervisorDefaults(&cfg.Supervisor)

	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = DefaultRunDir
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyAccessDefaults(cfg *AccessConfig) {
	if cfg.AllowedClients == nil {
		cfg.AllowedClients = []string{}
	}
	if cfg.DeniedClients == nil {
		cfg.DeniedClients = []string{}
	}
}

// applyServerDefaults sets control server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}

	// MaxConnections defaults to 0 (unlimited)

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
}

// applyBackendDefaults sets backend spawn defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Path == "" {
		cfg.Path = DefaultBackendPath
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	if cfg.Args == nil {
		cfg.Args = []string{}
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	// SpawnRate defaults to 0 (unlimited)
}

// applySupervisorDefaults sets backend lifetime defaults.
func applySupervisorDefaults(cfg *SupervisorConfig) {
	if cfg.IdlePolicy.Type == "" {
		cfg.IdlePolicy.Type = "never"
	}
	cfg.IdlePolicy.Type = strings.ToLower(cfg.IdlePolicy.Type)

	if cfg.IdlePolicy.Grace == nil {
		cfg.IdlePolicy.Grace = make(map[string]any)
	}
	// Filled in for every type so generated files document the option
	if _, ok := cfg.IdlePolicy.Grace["timeout"]; !ok {
		cfg.IdlePolicy.Grace["timeout"] = "5m"
	}

	if cfg.KillTimeout == 0 {
		cfg.KillTimeout = 10 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// Exports have no default: a configuration that names none is invalid.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Auth: AuthConfig{Required: true},
		Supervisor: SupervisorConfig{
			TerminateOnShutdown: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// SampleConfig returns the defaults plus a placeholder export. It is the
// content written by InitConfig.
func SampleConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Exports = []string{SampleExport}
	return cfg
}
