// Package reaper collects the exit status of every child of the daemon.
//
// Backends are started without anyone waiting on them; the reaper drains
// wait4(-1, WNOHANG) whenever SIGCHLD arrives and hands each exit to an
// ExitHandler, one at a time and in the order the kernel reported them.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/diodctl/internal/logger"
)

// ExitStatus describes one reaped child.
type ExitStatus struct {
	Pid        int
	Code       int
	Signal     syscall.Signal
	CoreDumped bool
}

// Signaled reports whether the child was killed by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

// Clean reports a zero exit code without a signal.
func (s ExitStatus) Clean() bool {
	return !s.Signaled() && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signaled() {
		if s.CoreDumped {
			return fmt.Sprintf("killed by %s (core dumped)", s.Signal)
		}
		return fmt.Sprintf("killed by %s", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// ExitHandler receives reaped children.
type ExitHandler interface {
	OnChildExit(status ExitStatus)
}

// ExitHandlerFunc adapts a function to ExitHandler.
type ExitHandlerFunc func(ExitStatus)

func (f ExitHandlerFunc) OnChildExit(s ExitStatus) { f(s) }

// DefaultPollInterval is the fallback sweep used in case a SIGCHLD is
// coalesced or lost.
const DefaultPollInterval = 5 * time.Second

// Reaper is the SIGCHLD-driven wait loop.
type Reaper struct {
	handler      ExitHandler
	pollInterval time.Duration

	wait4 func(pid int, status *unix.WaitStatus, options int, rusage *unix.Rusage) (int, error)
}

// New creates a reaper delivering exits to handler.
func New(handler ExitHandler, pollInterval time.Duration) *Reaper {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Reaper{
		handler:      handler,
		pollInterval: pollInterval,
		wait4:        unix.Wait4,
	}
}

// Run reaps children until ctx is cancelled. Nothing else in the process
// may wait for children while Run is active.
func (r *Reaper) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	logger.Debug("Reaper started", "poll_interval", r.pollInterval)

	// Children may have exited before Notify was installed.
	r.Drain()

	for {
		select {
		case <-ctx.Done():
			// Deliver exits that raced with shutdown.
			r.Drain()
			logger.Debug("Reaper stopped")
			return nil
		case <-sigCh:
			r.Drain()
		case <-ticker.C:
			r.Drain()
		}
	}
}

// Drain reaps every child that has already exited and returns how many were
// delivered.
func (r *Reaper) Drain() int {
	n := 0
	for {
		var ws unix.WaitStatus
		pid, err := r.wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			// ECHILD: no children at all.
			if !errors.Is(err, unix.ECHILD) {
				logger.Warn("wait4 failed", "error", err)
			}
			return n
		}
		if pid <= 0 {
			return n
		}
		if !ws.Exited() && !ws.Signaled() {
			// Stopped or continued, still alive.
			continue
		}

		st := ExitStatus{Pid: pid}
		if ws.Exited() {
			st.Code = ws.ExitStatus()
		} else {
			st.Signal = syscall.Signal(ws.Signal())
			st.CoreDumped = ws.CoreDump()
		}

		logger.Debug("Child reaped", "pid", pid, "status", st.String())
		r.handler.OnChildExit(st)
		n++
	}
}
