// Package hostenv prepares the process environment of the daemon: privilege
// check, resource limits and the runtime directory.
package hostenv

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/marmos91/diodctl/internal/logger"
)

// ErrNotRoot is returned by RequireRoot for an unprivileged process.
var ErrNotRoot = errors.New("must run as root")

const (
	// nrOpen is the kernel default for fs.nr_open, the ceiling for RLIMIT_NOFILE.
	nrOpen = 1048576

	rlimInfinity = ^uint64(0)
)

var geteuid = unix.Geteuid

// RequireRoot fails unless the effective uid is 0. Switching backends to
// other users needs CAP_SETUID.
func RequireRoot() error {
	if geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// Limit names one resource limit adjusted by RelaxLimits.
type Limit struct {
	Name     string
	Resource int
}

var unlimited = []Limit{
	{"RLIMIT_FSIZE", unix.RLIMIT_FSIZE},
	{"RLIMIT_LOCKS", unix.RLIMIT_LOCKS},
	{"RLIMIT_CORE", unix.RLIMIT_CORE},
	{"RLIMIT_AS", unix.RLIMIT_AS},
}

// RelaxLimits raises the limits inherited by every backend: file size,
// locks, core size and address space to infinity, open files to nr_open.
// When the kernel refuses nr_open the current hard limit is used instead.
func RelaxLimits() error {
	for _, l := range unlimited {
		lim := unix.Rlimit{Cur: rlimInfinity, Max: rlimInfinity}
		if err := unix.Setrlimit(l.Resource, &lim); err != nil {
			return fmt.Errorf("setrlimit %s: %w", l.Name, err)
		}
	}

	lim := unix.Rlimit{Cur: nrOpen, Max: nrOpen}
	err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL) {
		var cur unix.Rlimit
		if gerr := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); gerr != nil {
			return fmt.Errorf("getrlimit RLIMIT_NOFILE: %w", gerr)
		}
		logger.Debug("nr_open refused, falling back to hard limit", "limit", cur.Max)
		lim = unix.Rlimit{Cur: cur.Max, Max: cur.Max}
		err = unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
	}
	if err != nil {
		return fmt.Errorf("setrlimit RLIMIT_NOFILE: %w", err)
	}

	logger.Debug("Resource limits relaxed", "nofile", lim.Cur)
	return nil
}

// PrepareRunDir creates dir with mode 0755 when missing and checks that it
// is a directory.
func PrepareRunDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
