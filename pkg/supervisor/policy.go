package supervisor

import (
	"fmt"
	"time"
)

// IdleKind selects what happens to a backend whose last lease is released.
type IdleKind string

const (
	// IdleNever keeps the backend until it exits on its own.
	IdleNever IdleKind = "never"

	// IdleImmediate terminates the backend at the last release.
	IdleImmediate IdleKind = "immediate"

	// IdleGrace terminates the backend after it stayed unused for Timeout.
	IdleGrace IdleKind = "grace"
)

// IdlePolicy is the teardown rule for unused backends.
type IdlePolicy struct {
	Kind    IdleKind
	Timeout time.Duration
}

// Validate checks the policy is well formed.
func (p IdlePolicy) Validate() error {
	switch p.Kind {
	case IdleNever, IdleImmediate:
		return nil
	case IdleGrace:
		if p.Timeout <= 0 {
			return fmt.Errorf("grace idle policy needs a positive timeout, got %s", p.Timeout)
		}
		return nil
	default:
		return fmt.Errorf("unknown idle policy %q", p.Kind)
	}
}

func (p IdlePolicy) String() string {
	if p.Kind == IdleGrace {
		return fmt.Sprintf("grace(%s)", p.Timeout)
	}
	return string(p.Kind)
}

// expired reports whether a backend idle since idleSince should be
// terminated at now. Backends that never had a lease use the same rule, with
// IdleImmediate behaving like a zero grace period.
func (p IdlePolicy) expired(idleSince, now time.Time) bool {
	if idleSince.IsZero() {
		return false
	}
	switch p.Kind {
	case IdleImmediate:
		return true
	case IdleGrace:
		return now.Sub(idleSince) >= p.Timeout
	default:
		return false
	}
}
