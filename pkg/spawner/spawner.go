// Package spawner starts backend file servers on behalf of a user.
//
// A backend is started with the user's credentials in its own session and
// reports the TCP port it bound through a readiness pipe on fd 3. The
// spawner never waits for the child: exit status collection belongs to the
// reaper, which sees every child of the daemon.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/diodctl/pkg/identity"
)

// Stage names the step of a spawn that failed.
type Stage string

const (
	StageThrottle    Stage = "throttle"
	StageCredentials Stage = "credentials"
	StageExec        Stage = "exec"
	StageHandshake   Stage = "handshake"
)

// ErrRootNotAllowed is returned for uid 0 unless Config.AllowRoot is set.
var ErrRootNotAllowed = errors.New("backends for uid 0 are disabled")

// SpawnError reports a failed spawn. Every waiter of the same user sees the
// same value.
type SpawnError struct {
	Stage Stage
	UID   uint32
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn backend for uid %d: %s: %v", e.UID, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Handle controls a started process. *os.Process satisfies it.
type Handle interface {
	Signal(sig os.Signal) error
	Release() error
}

// Process is a backend that completed its readiness handshake.
type Process struct {
	Pid    int
	Port   int
	UID    uint32
	Handle Handle
}

// Signal delivers sig to the backend.
func (p *Process) Signal(sig os.Signal) error {
	if p.Handle == nil {
		return os.ErrProcessDone
	}
	return p.Handle.Signal(sig)
}

// Release frees the handle after the process has been reaped.
func (p *Process) Release() error {
	if p.Handle == nil {
		return nil
	}
	return p.Handle.Release()
}

// Spawner starts one backend for an identity and returns once the backend
// reported its port, or with a *SpawnError.
type Spawner interface {
	Spawn(ctx context.Context, id identity.Identity) (*Process, error)
}
