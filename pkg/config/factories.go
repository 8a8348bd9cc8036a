package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/access"
	"github.com/marmos91/diodctl/pkg/spawner"
	"github.com/marmos91/diodctl/pkg/supervisor"
)

// CreateIdlePolicy builds the supervisor idle policy from configuration.
//
// The Type field selects the policy; type-specific options are decoded from
// the matching map with mapstructure, so durations may be written as "90s"
// or "5m".
//
// Supported types:
//   - "never": backends stay up until they exit on their own
//   - "immediate": the last release terminates the backend
//   - "grace": the backend is terminated after staying unused for timeout
func CreateIdlePolicy(cfg *IdlePolicyConfig) (supervisor.IdlePolicy, error) {
	switch cfg.Type {
	case "never", "":
		return supervisor.IdlePolicy{Kind: supervisor.IdleNever}, nil
	case "immediate":
		return supervisor.IdlePolicy{Kind: supervisor.IdleImmediate}, nil
	case "grace":
		return createGracePolicy(cfg.Grace)
	default:
		return supervisor.IdlePolicy{}, fmt.Errorf("unknown idle policy type: %q", cfg.Type)
	}
}

// createGracePolicy decodes the grace section.
func createGracePolicy(options map[string]any) (supervisor.IdlePolicy, error) {
	type GraceConfig struct {
		Timeout time.Duration `mapstructure:"timeout"`
	}

	var graceCfg GraceConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &graceCfg,
	})
	if err != nil {
		return supervisor.IdlePolicy{}, err
	}
	if err := decoder.Decode(options); err != nil {
		return supervisor.IdlePolicy{}, fmt.Errorf("failed to decode grace idle policy config: %w", err)
	}

	policy := supervisor.IdlePolicy{Kind: supervisor.IdleGrace, Timeout: graceCfg.Timeout}
	if err := policy.Validate(); err != nil {
		return supervisor.IdlePolicy{}, err
	}
	return policy, nil
}

// CreateSupervisorConfig derives the supervisor settings.
func CreateSupervisorConfig(cfg *Config) (supervisor.Config, error) {
	idle, err := CreateIdlePolicy(&cfg.Supervisor.IdlePolicy)
	if err != nil {
		return supervisor.Config{}, err
	}

	return supervisor.Config{
		// A spawn may wait for a rate limiter token before its handshake.
		SpawnTimeout:        cfg.Backend.HandshakeTimeout * 3,
		KillTimeout:         cfg.Supervisor.KillTimeout,
		Idle:                idle,
		TerminateOnShutdown: cfg.Supervisor.TerminateOnShutdown,
	}, nil
}

// CreateSpawnerConfig derives the backend spawn settings.
func CreateSpawnerConfig(cfg *Config) spawner.Config {
	return spawner.Config{
		Path:             cfg.Backend.Path,
		Args:             append([]string(nil), cfg.Backend.Args...),
		ListenHost:       cfg.Backend.ListenHost,
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		ExitOnLastUse:    cfg.Backend.ExitOnLastUse,
		Output:           cfg.Backend.Output,
		SpawnRate:        cfg.Backend.SpawnRate,
		SpawnBurst:       cfg.Backend.SpawnBurst,
		AllowRoot:        cfg.Backend.AllowRoot,
	}
}

// CreateAccessConfig derives the client host filter settings.
func CreateAccessConfig(cfg *Config) access.Config {
	return access.Config{
		AllowAny:       cfg.Access.AllowAny,
		AllowedClients: append([]string(nil), cfg.Access.AllowedClients...),
		DeniedClients:  append([]string(nil), cfg.Access.DeniedClients...),
	}
}

// CreateLoggerConfig derives the logger settings.
func CreateLoggerConfig(cfg *Config) logger.Config {
	return logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
}
