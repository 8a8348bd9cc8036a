package supervisor

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/marmos91/diodctl/internal/logger"
)

// SweepStats summarizes one sweep.
type SweepStats struct {
	Terminated   int
	Killed       int
	PrunedParked int
	Duration     time.Duration
}

// Summary renders the stats for logs.
func (s SweepStats) Summary() string {
	return fmt.Sprintf("terminated=%d killed=%d pruned_parked=%d duration=%s",
		s.Terminated, s.Killed, s.PrunedParked, s.Duration)
}

// Sweep enforces the time-based rules once: idle backends past their grace
// period get SIGTERM, stopping backends past KillTimeout get SIGKILL, and
// expired parked exits are forgotten.
func (s *Supervisor) Sweep() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepLocked()
}

func (s *Supervisor) sweepLocked() SweepStats {
	start := time.Now()
	now := s.now()
	var stats SweepStats

	for _, rec := range s.byUID {
		switch rec.state {
		case StateRunning:
			if rec.refs == 0 && s.cfg.Idle.expired(rec.idleSince, now) {
				s.terminateLocked(rec, "idle")
				stats.Terminated++
			}
		case StateStopping:
			if !rec.killed && now.Sub(rec.stopSince) >= s.cfg.KillTimeout {
				logger.Warn("Backend ignored SIGTERM, killing",
					"uid", rec.uid, "pid", rec.proc.Pid, "waited", now.Sub(rec.stopSince))
				s.metrics.RecordTermination("kill")
				_ = rec.proc.Signal(syscall.SIGKILL)
				rec.killed = true
				stats.Killed++
			}
		}
	}

	for pid, p := range s.parked {
		if now.Sub(p.at) >= s.cfg.ParkTTL {
			delete(s.parked, pid)
			stats.PrunedParked++
		}
	}

	if stats.Terminated > 0 {
		s.publishLocked()
	}
	stats.Duration = time.Since(start)
	return stats
}

// Sweeper runs Sweep periodically in the background.
type Sweeper struct {
	sup      *Supervisor
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewSweeper creates a sweeper for sup. It is not started.
func NewSweeper(sup *Supervisor, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		sup:      sup,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background sweeping. Subsequent calls are no-ops.
func (w *Sweeper) Start() {
	w.startOnce.Do(func() {
		logger.Info("Starting backend sweeper", "interval", w.interval, "idle_policy", w.sup.cfg.Idle.String())
		go w.worker()
	})
}

// Stop stops the sweeper and waits for it to finish or ctx to end.
func (w *Sweeper) Stop(ctx context.Context) error {
	started := false
	w.startOnce.Do(func() { close(w.doneCh) })
	select {
	case <-w.doneCh:
	default:
		started = true
	}

	w.stopOnce.Do(func() { close(w.stopCh) })
	if !started {
		return nil
	}

	select {
	case <-w.doneCh:
		logger.Debug("Backend sweeper stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Backend sweeper shutdown timeout")
		return ctx.Err()
	}
}

// RunNow performs one sweep synchronously.
func (w *Sweeper) RunNow() SweepStats {
	return w.sup.Sweep()
}

func (w *Sweeper) worker() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := w.sup.Sweep()
			if stats.Terminated > 0 || stats.Killed > 0 {
				logger.Info("Backend sweep completed", "stats", stats.Summary())
			}
		case <-w.stopCh:
			return
		}
	}
}
