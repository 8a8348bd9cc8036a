// Package exports holds the set of directory trees the daemon may hand out.
//
// The registry is an immutable snapshot swapped atomically on reload, so
// authorization checks and serialization never take a lock and never see a
// partially loaded list.
package exports

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/identity"
)

var (
	// ErrNoExports is returned when a load would leave the registry empty.
	ErrNoExports = errors.New("no exports defined")

	// ErrInvalidExport wraps every per-path validation failure.
	ErrInvalidExport = errors.New("invalid export")
)

type snapshot struct {
	paths      []string
	serialized string
}

// Registry is the validated export list.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// New validates paths and returns a registry holding them.
func New(paths []string) (*Registry, error) {
	r := &Registry{}
	if err := r.Load(paths); err != nil {
		return nil, err
	}
	return r, nil
}

// Load validates paths and replaces the current list. On any error the
// previous list stays in effect.
func (r *Registry) Load(paths []string) error {
	canonical, err := Validate(paths)
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, p := range canonical {
		b.WriteString(p)
		b.WriteByte('\n')
	}

	r.current.Store(&snapshot{paths: canonical, serialized: b.String()})
	logger.Info("Exports loaded", "count", len(canonical), "exports", canonical)
	return nil
}

// Validate checks every path and returns their canonical forms in input
// order with duplicates removed. A path must be absolute, must not contain
// "/..", and must name an existing directory.
func Validate(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, ErrNoExports
	}

	seen := make(map[string]struct{}, len(paths))
	canonical := make([]string, 0, len(paths))

	for _, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: %q must begin with /", ErrInvalidExport, p)
		}
		if strings.Contains(p, "/..") {
			return nil, fmt.Errorf("%w: %q may not contain /..", ErrInvalidExport, p)
		}

		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExport, p, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %q is not a directory", ErrInvalidExport, p)
		}

		c := path.Clean(p)
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		canonical = append(canonical, c)
	}

	return canonical, nil
}

// IsAuthorized reports whether p lies within an exported tree. The decision
// is logged together with the requesting identity.
func (r *Registry) IsAuthorized(p string, id identity.Identity) bool {
	allowed := r.match(p)

	if allowed {
		logger.Info("Attach allowed", "uid", id.UID, "path", p, "host", id.Host, "ip", id.IP)
	} else {
		logger.Warn("Attach denied", "uid", id.UID, "path", p, "host", id.Host, "ip", id.IP)
	}
	return allowed
}

func (r *Registry) match(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.Contains(p, "/..") {
		return false
	}
	p = path.Clean(p)

	snap := r.current.Load()
	if snap == nil {
		return false
	}

	for _, exp := range snap.paths {
		if exp == "/" || p == exp || strings.HasPrefix(p, exp+"/") {
			return true
		}
	}
	return false
}

// Serialize returns the export list as newline-terminated paths in load
// order.
func (r *Registry) Serialize() string {
	snap := r.current.Load()
	if snap == nil {
		return ""
	}
	return snap.serialized
}

// Paths returns a copy of the current export list.
func (r *Registry) Paths() []string {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	out := make([]string, len(snap.paths))
	copy(out, snap.paths)
	return out
}
