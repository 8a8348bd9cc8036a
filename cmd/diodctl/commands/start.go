package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/diodctl/internal/hostenv"
	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/config"
	"github.com/marmos91/diodctl/pkg/exports"
	"github.com/marmos91/diodctl/pkg/server"
	"github.com/marmos91/diodctl/pkg/spawner"
	"github.com/marmos91/diodctl/pkg/supervisor"
)

// startFlags holds the command line overrides of the start command.
type startFlags struct {
	foreground bool
	debugMask  int
	listen     []string
	nwthreads  int
	exports    []string
	allowAny   bool
	noAuth     bool
	diodPath   string
	logDest    string
}

var startOpts startFlags

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the diodctl daemon",
	Long: `Start the diodctl daemon with the specified configuration.

By default the daemon detaches from the terminal, changes into the runtime
directory and logs to syslog. Use --foreground to keep it attached, for
debugging or when managed by a process supervisor.

Flags override the configuration file, which overrides built-in defaults.
diodctl must run as root so that backend servers can be started under the
uid of each user.

Examples:
  # Start in background with the default configuration
  diodctl start

  # Start in foreground, logging to stderr
  diodctl start -f -L stderr

  # Export two trees and listen on a custom port
  diodctl start -e /srv/home -e /srv/scratch -l 0.0.0.0:5640

  # Start with environment variable overrides
  DIODCTL_LOGGING_LEVEL=DEBUG diodctl start --foreground`,
	RunE: runStart,
}

func init() {
	bindStartFlags(startCmd, &startOpts)
}

// bindStartFlags registers the start flags of cmd into opts.
func bindStartFlags(cmd *cobra.Command, opts *startFlags) {
	f := cmd.Flags()
	f.BoolVarP(&opts.foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	f.IntVarP(&opts.debugMask, "debug", "d", 0, "Debug mask, any non-zero value enables debug logging")
	f.StringArrayVarP(&opts.listen, "listen", "l", nil, "Listen on HOST:PORT (repeatable, replaces the configured list)")
	f.IntVarP(&opts.nwthreads, "nwthreads", "w", 0, "Number of request workers")
	f.StringArrayVarP(&opts.exports, "export", "e", nil, "Export PATH (repeatable, replaces the configured list)")
	f.BoolVarP(&opts.allowAny, "allowany", "a", false, "Accept connections from any host")
	f.BoolVarP(&opts.noAuth, "no-auth", "n", false, "Accept calls without AUTH_UNIX credentials")
	f.StringVarP(&opts.diodPath, "diod-path", "D", "", "Path to the diod binary")
	f.StringVarP(&opts.logDest, "log-dest", "L", "", "Log destination: syslog, stderr, stdout or a file")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadStartConfig(cmd)
	if err != nil {
		return err
	}

	registry, err := exports.New(cfg.Exports)
	if err != nil {
		return fmt.Errorf("invalid exports: %w", err)
	}

	if err := hostenv.RequireRoot(); err != nil {
		return err
	}
	if err := hostenv.RelaxLimits(); err != nil {
		return err
	}

	if !cfg.Runtime.Foreground {
		return startDaemon(cmd, cfg)
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format, "output", cfg.Logging.Output)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Exports", "paths", registry.Paths())

	metricsResult := config.InitializeMetrics(cfg)

	supCfg, err := config.CreateSupervisorConfig(cfg)
	if err != nil {
		return err
	}
	sp := spawner.NewExecSpawner(config.CreateSpawnerConfig(cfg), registry)
	sup, err := supervisor.New(supCfg, sp, metricsResult.SupervisorMetrics)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	logger.Info("Backend configured",
		"path", cfg.Backend.Path,
		"idle_policy", cfg.Supervisor.IdlePolicy.Type,
		"terminate_on_shutdown", cfg.Supervisor.TerminateOnShutdown)

	srv := server.New(server.Config{
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		SweepInterval:    cfg.Supervisor.SweepInterval,
		StatsLogInterval: cfg.Server.MetricsLogInterval,
	}, registry, sup)

	adapters, err := config.CreateAdapters(cfg, metricsResult.CtlMetrics)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			return fmt.Errorf("failed to add %s adapter: %w", a.Protocol(), err)
		}
	}

	if metricsResult.Server != nil {
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
		srv.SetMetricsServer(metricsResult.Server)
	} else {
		logger.Info("Metrics collection disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	logger.Info("diodctl is running", "listen", cfg.Listen)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reloadExports(cmd, registry)
				continue
			}

			logger.Info("Shutdown signal received, initiating graceful shutdown", "signal", sig.String())
			cancel()

			if err := <-serverDone; err != nil {
				logger.Error("Server shutdown error", "error", err)
				return err
			}
			logger.Info("Server stopped gracefully")
			return nil

		case err := <-serverDone:
			if err != nil {
				logger.Error("Server error", "error", err)
				return err
			}
			logger.Info("Server stopped")
			return nil
		}
	}
}

// loadStartConfig loads the configuration, overlays the command line and
// validates the result.
func loadStartConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadUnvalidated(GetConfigFile())
	if err != nil {
		return nil, err
	}

	applyStartFlags(cmd, cfg, &startOpts)

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyStartFlags copies the flags the user set onto cfg. Flags left at
// their defaults do not touch the configuration.
func applyStartFlags(cmd *cobra.Command, cfg *config.Config, opts *startFlags) {
	flags := cmd.Flags()

	if flags.Changed("foreground") {
		cfg.Runtime.Foreground = opts.foreground
	}
	if flags.Changed("debug") && opts.debugMask != 0 {
		cfg.Logging.Level = "DEBUG"
	}
	if flags.Changed("listen") {
		cfg.Listen = append([]string(nil), opts.listen...)
	}
	if flags.Changed("nwthreads") {
		cfg.Server.Workers = opts.nwthreads
	}
	if flags.Changed("export") {
		cfg.Exports = append([]string(nil), opts.exports...)
	}
	if flags.Changed("allowany") {
		cfg.Access.AllowAny = opts.allowAny
	}
	if flags.Changed("no-auth") {
		cfg.Auth.Required = !opts.noAuth
	}
	if flags.Changed("diod-path") {
		cfg.Backend.Path = opts.diodPath
	}
	if flags.Changed("log-dest") {
		cfg.Logging.Output = opts.logDest
	}
}

// reloadExports rereads the export list. On failure the current list stays
// in effect.
func reloadExports(cmd *cobra.Command, registry *exports.Registry) {
	logger.Info("Reloading exports")

	cfg, err := config.LoadUnvalidated(GetConfigFile())
	if err != nil {
		logger.Error("Export reload failed, keeping current exports", "error", err)
		return
	}
	applyStartFlags(cmd, cfg, &startOpts)

	if err := registry.Load(cfg.Exports); err != nil {
		logger.Error("Export reload failed, keeping current exports", "error", err)
		return
	}
	logger.Info("Exports reloaded", "paths", registry.Paths())
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// isConsole reports whether dest is a terminal stream, which is lost once
// the daemon detaches.
func isConsole(dest string) bool {
	switch strings.ToLower(dest) {
	case "", "stdout", "stderr":
		return true
	}
	return false
}
