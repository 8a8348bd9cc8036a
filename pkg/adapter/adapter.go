package adapter

import (
	"context"

	"github.com/marmos91/diodctl/pkg/ctlfs"
)

// Services are the shared components every adapter serves from.
type Services struct {
	Exports  ctlfs.Exports
	Backends ctlfs.Backends
}

// Adapter is a network front end managed by the daemon server.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Service injection: SetServices() provides the export registry and supervisor
//  3. Startup: Serve() starts listening and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Implementations must be safe for concurrent use. SetServices() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is
	// cancelled or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must stop accepting connections,
	// wait for active ones (with timeout) and return nil. If Serve returns
	// before cancellation, the server treats it as fatal and stops all
	// other adapters.
	Serve(ctx context.Context) error

	// SetServices injects the shared services. Called exactly once, before
	// Serve.
	SetServices(svc Services)

	// Stop initiates graceful shutdown. It is idempotent, safe to call
	// concurrently with Serve, and respects ctx as the shutdown deadline.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging.
	Protocol() string

	// Port returns the TCP port of the first listener, or 0 before Serve
	// has bound it.
	Port() int
}
