package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/adapter"
	"github.com/marmos91/diodctl/pkg/ctlfs"
	"github.com/marmos91/diodctl/pkg/metrics"
	"github.com/marmos91/diodctl/pkg/reaper"
	"github.com/marmos91/diodctl/pkg/supervisor"
)

// Config controls the daemon-wide lifecycle.
type Config struct {
	// ShutdownTimeout bounds stopping adapters and, separately, stopping
	// backends.
	ShutdownTimeout time.Duration

	// SweepInterval is how often idle and stuck backends are checked.
	SweepInterval time.Duration

	// StatsLogInterval is how often backend statistics are logged.
	// 0 disables it.
	StatsLogInterval time.Duration

	// ReapInterval is the reaper's fallback poll period.
	ReapInterval time.Duration
}

// DiodctlServer ties the control adapters to the backend supervisor.
//
// Architecture:
// Every adapter answers control requests on behalf of the same export
// registry and the same supervisor. The server owns the pieces around them
// that must exist exactly once per process: the child reaper, the idle
// sweeper and the optional metrics endpoint.
//
// Lifecycle:
//  1. Creation: New() with the export registry and supervisor
//  2. Registration: AddAdapter() for each protocol
//  3. Startup: Serve() starts reaper, sweeper, metrics and adapters
//  4. Shutdown: context cancellation stops adapters first, then backends,
//     and the reaper last so that backend exits are still collected
type DiodctlServer struct {
	cfg        Config
	exports    ctlfs.Exports
	supervisor *supervisor.Supervisor
	reaper     *reaper.Reaper
	sweeper    *supervisor.Sweeper

	metricsServer *metrics.Server

	// mu protects adapters and served
	mu       sync.Mutex
	adapters []adapter.Adapter
	served   bool
}

// New creates a server. Panics if exports or sup is nil.
func New(cfg Config, exports ctlfs.Exports, sup *supervisor.Supervisor) *DiodctlServer {
	if exports == nil {
		panic("export registry cannot be nil")
	}
	if sup == nil {
		panic("supervisor cannot be nil")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &DiodctlServer{
		cfg:        cfg,
		exports:    exports,
		supervisor: sup,
		reaper:     reaper.New(sup, cfg.ReapInterval),
		sweeper:    supervisor.NewSweeper(sup, cfg.SweepInterval),
		adapters:   make([]adapter.Adapter, 0, 1),
	}
}

// SetMetricsServer attaches the metrics HTTP server. It must be called
// before Serve.
func (s *DiodctlServer) SetMetricsServer(m *metrics.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsServer = m
}

// AddAdapter registers a protocol adapter and injects the shared services.
//
// Panics if a is nil or Serve() has already been called.
func (s *DiodctlServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
	}

	a.SetServices(adapter.Services{Exports: s.exports, Backends: s.supervisor})
	s.adapters = append(s.adapters, a)

	logger.Info("Registered adapter", "protocol", protocol)
	return nil
}

// Serve runs until ctx is cancelled or an adapter fails.
//
// Returns:
//   - nil after a shutdown triggered by ctx
//   - the adapter error when an adapter failed
//   - an error when no adapter is registered or Serve was already called
func (s *DiodctlServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("server is already serving")
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	metricsServer := s.metricsServer
	s.mu.Unlock()

	logger.Info("Starting diodctl server", "adapters", len(adapters))

	// The reaper outlives the adapters: backends stopped during shutdown
	// still need their exits collected.
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		if err := s.reaper.Run(reaperCtx); err != nil {
			logger.Error("Reaper failed", "error", err)
		}
	}()
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	s.sweeper.Start()

	var aux sync.WaitGroup
	auxCtx, stopAux := context.WithCancel(ctx)
	defer func() {
		stopAux()
		aux.Wait()
	}()

	if metricsServer != nil {
		aux.Add(1)
		go func() {
			defer aux.Done()
			if err := metricsServer.Start(auxCtx); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	if s.cfg.StatsLogInterval > 0 {
		aux.Add(1)
		go func() {
			defer aux.Done()
			s.logStats(auxCtx)
		}()
	}

	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	startTime := time.Now()
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting adapter", "protocol", protocol)

			if err := a.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("Adapter failed", "protocol", protocol, "error", err)
					errChan <- adapterError{protocol: protocol, err: err}
				} else {
					logger.Debug("Adapter stopped gracefully", "protocol", protocol)
				}
			} else {
				logger.Info("Adapter stopped", "protocol", protocol)
			}
		}(adp)
	}
	logger.Debug("Adapters launched", "duration", time.Since(startTime))

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", "reason", ctx.Err())
	case adapterErr := <-errChan:
		logger.Error("Adapter failed, shutting down", "protocol", adapterErr.protocol, "error", adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	s.stopAllAdapters(adapters)
	wg.Wait()

	s.stopBackends()

	logger.Info("diodctl server stopped")
	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error for better error reporting.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters initiates graceful shutdown of all adapters in reverse
// registration order. Each adapter closes its sessions, which releases the
// leases they held.
func (s *DiodctlServer) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("Stopping adapters", "count", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping adapter", "protocol", adp.Protocol(), "error", err)
		}
	}
}

// stopBackends stops the sweeper and then the supervisor, which terminates
// backends when configured to.
func (s *DiodctlServer) stopBackends() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.sweeper.Stop(ctx); err != nil {
		logger.Warn("Sweeper did not stop cleanly", "error", err)
	}
	if err := s.supervisor.Shutdown(ctx); err != nil {
		logger.Warn("Backends did not stop cleanly", "error", err)
	}
}

// logStats periodically logs a summary of backend records.
func (s *DiodctlServer) logStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := Summarize(s.supervisor.Snapshot())
			logger.Info("Backend statistics",
				"pending", st.Pending,
				"running", st.Running,
				"stopping", st.Stopping,
				"leases", st.Leases)
		}
	}
}

// Stats summarizes supervisor records.
type Stats struct {
	Pending  int
	Running  int
	Stopping int
	Leases   int
}

// Summarize counts records per state and their outstanding leases.
func Summarize(records []supervisor.RecordInfo) Stats {
	var st Stats
	for _, r := range records {
		switch r.State {
		case supervisor.StatePending:
			st.Pending++
		case supervisor.StateRunning:
			st.Running++
		case supervisor.StateStopping:
			st.Stopping++
		}
		st.Leases += r.Leases
	}
	return st
}

// Adapters returns a snapshot of currently registered adapters.
func (s *DiodctlServer) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
