package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete diodctl configuration.
//
// This structure captures all configurable aspects of the daemon:
//   - Logging configuration
//   - Control listener addresses, exports and client access rules
//   - Connection handling of the control server
//   - How backend servers are started and torn down
//   - Runtime and metrics settings
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority, applied by the start command)
//  2. Environment variables (DIODCTL_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Listen lists the host:port addresses of the control server
	Listen []string `mapstructure:"listen" yaml:"listen" validate:"required,min=1,dive,required"`

	// Exports lists the directory trees handed to backend servers
	Exports []string `mapstructure:"exports" yaml:"exports" validate:"required,min=1,dive,startswith=/"`

	// Access filters connecting clients by address
	Access AccessConfig `mapstructure:"access" yaml:"access"`

	// Auth controls RPC credential requirements
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Server contains control server connection settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Backend describes the per-user server binary and how it is started
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Supervisor controls backend lifetime
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`

	// Runtime contains process-level settings
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, syslog, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// AccessConfig lists the client addresses allowed to connect.
type AccessConfig struct {
	// AllowAny disables the host filter entirely
	AllowAny bool `mapstructure:"allow_any" yaml:"allow_any"`

	// AllowedClients lists IP addresses or CIDR ranges allowed to connect
	// Empty list means all clients are allowed
	AllowedClients []string `mapstructure:"allowed_clients" yaml:"allowed_clients"`

	// DeniedClients lists IP addresses or CIDR ranges explicitly denied
	// Takes precedence over AllowedClients
	DeniedClients []string `mapstructure:"denied_clients" yaml:"denied_clients"`
}

// AuthConfig controls RPC authentication.
type AuthConfig struct {
	// Required demands AUTH_UNIX credentials on every call but NULL.
	// Defaults to true.
	Required bool `mapstructure:"required" yaml:"required"`
}

// ServerConfig contains control server connection settings.
type ServerConfig struct {
	// Workers bounds control requests executing at once
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=0"`

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`

	// IdleTimeout closes quiet control connections, releasing the backend
	// leases they hold. A negative value (e.g. -1s) disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsLogInterval is how often server statistics are logged (0 = disabled)
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"gte=0"`
}

// BackendConfig describes how backend servers are started.
type BackendConfig struct {
	// Path is the backend server binary
	Path string `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`

	// ListenHost is the address backends bind, always with port 0
	ListenHost string `mapstructure:"listen_host" yaml:"listen_host" validate:"required"`

	// Args are appended to the generated command line
	Args []string `mapstructure:"args" yaml:"args"`

	// HandshakeTimeout bounds the wait for a backend to report its port
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" validate:"required,gt=0"`

	// ExitOnLastUse asks backends to exit once their last client leaves
	ExitOnLastUse bool `mapstructure:"exit_on_lastuse" yaml:"exit_on_lastuse"`

	// Output is a file receiving backend stdout and stderr (empty discards)
	Output string `mapstructure:"output" yaml:"output"`

	// SpawnRate limits backend starts per second (0 = unlimited)
	SpawnRate float64 `mapstructure:"spawn_rate" yaml:"spawn_rate" validate:"gte=0"`

	// SpawnBurst is the number of starts allowed at once when SpawnRate is set
	SpawnBurst int `mapstructure:"spawn_burst" yaml:"spawn_burst" validate:"gte=0"`

	// AllowRoot permits backends for uid 0. Off by default, so a client
	// presenting uid 0 is refused instead of getting a root backend.
	AllowRoot bool `mapstructure:"allow_root" yaml:"allow_root"`
}

// SupervisorConfig controls backend lifetime.
type SupervisorConfig struct {
	// IdlePolicy decides what happens to a backend nobody holds anymore
	IdlePolicy IdlePolicyConfig `mapstructure:"idle_policy" yaml:"idle_policy"`

	// KillTimeout is how long a terminated backend may linger before SIGKILL
	KillTimeout time.Duration `mapstructure:"kill_timeout" yaml:"kill_timeout" validate:"required,gt=0"`

	// SweepInterval is how often idle and stuck backends are checked
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"required,gt=0"`

	// TerminateOnShutdown stops every backend when the daemon stops.
	// Defaults to true.
	TerminateOnShutdown bool `mapstructure:"terminate_on_shutdown" yaml:"terminate_on_shutdown"`
}

// IdlePolicyConfig selects an idle policy and carries its options.
//
// Only the section matching Type is used; the others are ignored.
type IdlePolicyConfig struct {
	// Type specifies the policy
	// Valid values: never, immediate, grace
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=never immediate grace"`

	// Grace contains grace-specific options (timeout)
	// Only used when Type = "grace"
	Grace map[string]any `mapstructure:"grace" yaml:"grace"`
}

// RuntimeConfig contains process-level settings.
type RuntimeConfig struct {
	// Dir is the working directory of the daemonized process
	Dir string `mapstructure:"dir" yaml:"dir" validate:"required,startswith=/"`

	// Foreground keeps the daemon attached to the terminal
	Foreground bool `mapstructure:"foreground" yaml:"foreground"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DIODCTL_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnvalidated(configPath)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadUnvalidated loads configuration and applies defaults without
// validating it, so that command-line flags can still be applied on top.
func LoadUnvalidated(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DIODCTL_ prefix and underscores
	// Example: DIODCTL_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DIODCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans whose default is true cannot be recovered from a zero value
	// after unmarshalling.
	v.SetDefault("auth.required", true)
	v.SetDefault("supervisor.terminate_on_shutdown", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/diodctl/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		if configPath != "" && errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("configuration file not found: %s", configPath)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// /etc/diodctl when the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "diodctl")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/diodctl"
	}

	return filepath.Join(home, ".config", "diodctl")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
