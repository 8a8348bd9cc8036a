package ctl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/access"
	"github.com/marmos91/diodctl/pkg/adapter"
	"github.com/marmos91/diodctl/pkg/metrics"
)

// DefaultListen is the well-known control address.
const DefaultListen = "0.0.0.0:564"

// CtlAdapter serves the control program on one or more TCP addresses.
//
// Architecture:
// One accept loop runs per listen address. Each accepted connection gets a
// reader goroutine and a ctlfs session; requests are handed to goroutines
// bounded by a daemon-wide worker semaphore, and replies are written under
// a per-connection mutex. All connections share one shutdown context.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listeners closed (no new connections)
//  3. shutdownCtx cancelled (in-flight acquire waits abort)
//  4. Wait for active connections to complete (up to ShutdownTimeout)
//  5. Force-close any remaining connections after timeout
type CtlAdapter struct {
	config   Config
	services adapter.Services
	filter   *access.Filter
	metrics  metrics.CtlMetrics

	// mu guards listeners, written once by Serve.
	mu        sync.Mutex
	listeners []net.Listener

	// listening is closed once every listener is bound.
	listening chan struct{}

	activeConns  sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}
	connCount    atomic.Int32

	// connSemaphore is nil when MaxConnections is 0 (unlimited).
	connSemaphore chan struct{}

	// workers bounds concurrently executing requests across all
	// connections.
	workers chan struct{}

	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps session id to net.Conn for forced closure.
	activeConnections sync.Map
}

// Config holds the adapter settings.
//
// Default values (applied by New if zero):
//   - Listen: ["0.0.0.0:564"]
//   - Workers: 16
//   - MaxConnections: 0 (unlimited)
//   - ReadTimeout: 30s
//   - WriteTimeout: 30s
//   - IdleTimeout: 5m (negative disables it)
//   - ShutdownTimeout: 30s
type Config struct {
	// Listen is the list of host:port addresses to bind.
	Listen []string

	// Workers bounds requests executing at once, daemon-wide.
	Workers int

	// MaxConnections limits concurrent client connections. When reached,
	// accepting blocks until a connection closes.
	MaxConnections int

	// ReadTimeout bounds reading one request once its first byte arrived.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing one reply.
	WriteTimeout time.Duration

	// IdleTimeout closes connections that send nothing for this long.
	// Closing a connection releases its backend leases, so with the
	// immediate or grace idle policy a quiet client loses its backend.
	// A negative value never closes idle connections.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds the wait for active connections at shutdown.
	ShutdownTimeout time.Duration

	// MetricsLogInterval is how often connection counts are logged.
	// 0 disables it.
	MetricsLogInterval time.Duration

	// AuthRequired rejects calls without AUTH_UNIX credentials. When false,
	// AUTH_NULL is accepted and the uid carried by ATTACH is trusted.
	AuthRequired bool

	// Access is the client host filter.
	Access access.Config
}

func (c *Config) applyDefaults() {
	if len(c.Listen) == 0 {
		c.Listen = []string{DefaultListen}
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("invalid ReadTimeout %v: must be >= 0", c.ReadTimeout)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("invalid WriteTimeout %v: must be >= 0", c.WriteTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	for _, addr := range c.Listen {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}
	return nil
}

// New creates a stopped adapter. Call SetServices, then Serve.
func New(config Config, m metrics.CtlMetrics) (*CtlAdapter, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid control adapter config: %w", err)
	}

	filter, err := access.New(config.Access)
	if err != nil {
		return nil, err
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
	}

	if m == nil {
		m = metrics.NewNoopCtlMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &CtlAdapter{
		config:         config,
		filter:         filter,
		metrics:        m,
		listening:      make(chan struct{}),
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		workers:        make(chan struct{}, config.Workers),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}, nil
}

// SetServices injects the export registry and the backend supervisor.
func (s *CtlAdapter) SetServices(svc adapter.Services) {
	s.services = svc
	logger.Debug("Control adapter services configured")
}

// Serve binds every listen address and serves until ctx is cancelled or
// Stop is called. A bind failure closes what was bound and is returned.
func (s *CtlAdapter) Serve(ctx context.Context) error {
	if s.services.Exports == nil || s.services.Backends == nil {
		return errors.New("control adapter: services not set")
	}

	listeners := make([]net.Listener, 0, len(s.config.Listen))
	for _, addr := range s.config.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		logger.Info("Control server listening", "address", ln.Addr().String())
	}

	s.mu.Lock()
	s.listeners = listeners
	select {
	case <-s.shutdown:
		// Stopped before we were listening.
		for _, ln := range listeners {
			_ = ln.Close()
		}
		s.mu.Unlock()
		close(s.listening)
		return nil
	default:
	}
	s.mu.Unlock()
	close(s.listening)

	logger.Debug("Control adapter config",
		"workers", s.config.Workers,
		"max_connections", s.config.MaxConnections,
		"read_timeout", s.config.ReadTimeout,
		"write_timeout", s.config.WriteTimeout,
		"idle_timeout", s.config.IdleTimeout,
		"auth_required", s.config.AuthRequired)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Control adapter shutdown signal received", "reason", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics()
	}

	var loops sync.WaitGroup
	for _, ln := range listeners {
		loops.Add(1)
		go func(ln net.Listener) {
			defer loops.Done()
			s.acceptLoop(ln)
		}(ln)
	}
	loops.Wait()

	return s.gracefulShutdown()
}

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// nextAcceptDelay doubles the wait after a failed Accept, as net/http does.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return acceptBackoffMin
	}
	if next := prev * 2; next < acceptBackoffMax {
		return next
	}
	return acceptBackoffMax
}

func (s *CtlAdapter) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return
			}
		}

		tcpConn, err := ln.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = nextAcceptDelay(delay)
			logger.Warn("Error accepting control connection", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-s.shutdown:
				return
			}
			continue
		}
		delay = 0

		if !s.filter.Allowed(tcpConn.RemoteAddr()) {
			logger.Warn("Connection refused by host filter", "client", tcpConn.RemoteAddr().String())
			s.metrics.RecordConnectionRejected("access")
			_ = tcpConn.Close()
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			continue
		}

		s.activeConns.Add(1)
		current := s.connCount.Add(1)

		id := uuid.NewString()
		s.activeConnections.Store(id, tcpConn)

		s.metrics.RecordConnectionAccepted()
		s.metrics.SetActiveConnections(current)
		logger.Debug("Control connection accepted",
			"session", id, "client", tcpConn.RemoteAddr().String(), "active", current)

		c := newConnection(s, tcpConn, id)
		go func() {
			defer func() {
				s.activeConnections.Delete(id)
				s.activeConns.Done()
				current := s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}
				s.metrics.RecordConnectionClosed()
				s.metrics.SetActiveConnections(current)
				logger.Debug("Control connection closed", "session", id, "active", current)
			}()

			c.serve(s.shutdownCtx)
		}()
	}
}

// initiateShutdown closes the listeners and cancels in-flight requests.
// Safe to call multiple times.
func (s *CtlAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Control adapter shutdown initiated")
		close(s.shutdown)

		s.mu.Lock()
		for _, ln := range s.listeners {
			if err := ln.Close(); err != nil {
				logger.Debug("Error closing control listener", "error", err)
			}
		}
		s.mu.Unlock()

		s.cancelRequests()
	})
}

// gracefulShutdown waits for active connections, then force-closes them
// once ShutdownTimeout expires.
func (s *CtlAdapter) gracefulShutdown() error {
	logger.Info("Control adapter graceful shutdown",
		"active_connections", s.connCount.Load(), "timeout", s.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Control adapter shutdown complete")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("Control adapter shutdown timeout exceeded, forcing closure",
			"remaining", remaining, "timeout", s.config.ShutdownTimeout)
		s.forceCloseConnections()
		return fmt.Errorf("control adapter shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *CtlAdapter) forceCloseConnections() {
	closed := 0
	s.activeConnections.Range(func(key, value any) bool {
		conn := value.(net.Conn)
		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing connection", "session", key, "error", err)
		} else {
			closed++
		}
		return true
	})
	if closed > 0 {
		logger.Info("Force-closed control connections", "count", closed)
	}
}

// Stop initiates shutdown and waits for active connections until ctx ends.
func (s *CtlAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("Control adapter stop cancelled",
			"remaining", s.connCount.Load(), "error", ctx.Err())
		s.forceCloseConnections()
		return ctx.Err()
	}
}

func (s *CtlAdapter) logMetrics() {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			logger.Info("Control adapter metrics", "active_connections", s.connCount.Load())
		}
	}
}

// Protocol returns "diodctl".
func (s *CtlAdapter) Protocol() string {
	return "diodctl"
}

// Port returns the port of the first listener, or 0 before Serve bound it.
func (s *CtlAdapter) Port() int {
	addrs := s.Addrs()
	if len(addrs) == 0 {
		return 0
	}
	if tcp, ok := addrs[0].(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Addrs returns the bound listener addresses.
func (s *CtlAdapter) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Listening is closed once Serve has bound every address.
func (s *CtlAdapter) Listening() <-chan struct{} {
	return s.listening
}

// GetActiveConnections returns the current number of active connections.
func (s *CtlAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}
