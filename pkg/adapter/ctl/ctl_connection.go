package ctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/diodctl/internal/logger"
	proto "github.com/marmos91/diodctl/internal/protocol/ctl"
	"github.com/marmos91/diodctl/internal/protocol/rpc"
	"github.com/marmos91/diodctl/pkg/ctlfs"
	"github.com/marmos91/diodctl/pkg/identity"
)

type connection struct {
	server  *CtlAdapter
	conn    net.Conn
	reader  *bufio.Reader
	id      string
	ip      string
	session *ctlfs.Session

	// writeMu serializes replies from concurrent requests.
	writeMu  sync.Mutex
	inflight sync.WaitGroup
}

func newConnection(server *CtlAdapter, conn net.Conn, id string) *connection {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return &connection{
		server:  server,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		id:      id,
		ip:      ip,
		session: ctlfs.NewSession(id, server.services.Exports, server.services.Backends),
	}
}

// serve reads requests until the client goes away, the connection idles
// out, or the server shuts down. When it returns, in-flight requests have
// been cancelled and finished and every lease of the session is released.
func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in control connection handler",
				"session", c.id, "client", c.conn.RemoteAddr().String(), "panic", r)
		}
		cancel()
		_ = c.conn.Close()
		c.inflight.Wait()
		c.session.Close()
	}()

	// Closing the socket unblocks the reader on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		record, err := c.readRecord()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("Control connection closed by client", "session", c.id)
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Debug("Control connection timed out", "session", c.id, "error", err)
			case ctx.Err() != nil:
				logger.Debug("Control connection cancelled", "session", c.id)
			default:
				logger.Debug("Error reading control request", "session", c.id, "error", err)
			}
			return
		}

		if err := c.handleRecord(ctx, record); err != nil {
			logger.Debug("Control connection aborted", "session", c.id, "error", err)
			return
		}
	}
}

// readRecord waits up to IdleTimeout for a request to start, then up to
// ReadTimeout for the rest of it.
func (c *connection) readRecord() ([]byte, error) {
	// A zero deadline clears the one left by the previous ReadTimeout.
	var idleDeadline time.Time
	if c.server.config.IdleTimeout > 0 {
		idleDeadline = time.Now().Add(c.server.config.IdleTimeout)
	}
	if err := c.conn.SetReadDeadline(idleDeadline); err != nil {
		return nil, fmt.Errorf("set idle deadline: %w", err)
	}
	if _, err := c.reader.Peek(1); err != nil {
		return nil, err
	}

	if c.server.config.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	return rpc.ReadRecord(c.reader, rpc.MaxRecordSize)
}

// handleRecord validates the call header and credentials, answering
// protocol-level rejections directly. Accepted calls run on a worker.
func (c *connection) handleRecord(ctx context.Context, record []byte) error {
	call, err := rpc.ReadCall(record)
	if err != nil {
		logger.Debug("Dropping undecodable RPC call", "session", c.id, "error", err)
		return nil
	}

	if call.RPCVersion != rpc.RPCVersion {
		return c.replyWith(rpc.MakeRPCMismatchReply(call.XID))
	}
	if call.Program != proto.ProgramDiodctl {
		logger.Debug("Unknown program", "session", c.id, "program", call.Program)
		return c.replyWith(rpc.MakeErrorReply(call.XID, rpc.RPCProgUnavail))
	}
	if call.Version != proto.Version1 {
		return c.replyWith(rpc.MakeProgMismatchReply(call.XID, proto.Version1, proto.Version1))
	}

	cred, authStat := c.authenticate(call)
	if authStat != 0 {
		logger.Warn("Control call rejected by authentication",
			"session", c.id, "client", c.ip, "flavor", call.GetAuthFlavor(), "auth_stat", authStat)
		return c.replyWith(rpc.MakeAuthErrorReply(call.XID, authStat))
	}

	args, err := rpc.ReadData(record, call)
	if err != nil {
		return c.replyWith(rpc.MakeErrorReply(call.XID, rpc.RPCGarbageArgs))
	}

	select {
	case c.server.workers <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.inflight.Add(1)
	go func() {
		defer func() {
			<-c.server.workers
			c.inflight.Done()
		}()
		c.handleCall(ctx, call, args, cred)
	}()
	return nil
}

// authenticate returns the AUTH_UNIX credential, if any, or a non-zero
// auth_stat when the call must be rejected. NULL is always admitted.
func (c *connection) authenticate(call *rpc.RPCCallMessage) (*rpc.UnixAuth, uint32) {
	switch call.GetAuthFlavor() {
	case rpc.AuthUnix:
		cred, err := rpc.ParseUnixAuth(call.GetAuthBody())
		if err != nil {
			logger.Debug("Bad AUTH_UNIX credential", "session", c.id, "error", err)
			return nil, rpc.AuthBadCred
		}
		return cred, 0
	default:
		if c.server.config.AuthRequired && call.Procedure != proto.ProcNull {
			return nil, rpc.AuthTooWeak
		}
		return nil, 0
	}
}

func (c *connection) handleCall(ctx context.Context, call *rpc.RPCCallMessage, args []byte, cred *rpc.UnixAuth) {
	name := proto.ProcedureName(call.Procedure)
	start := time.Now()

	result, status, err := c.dispatch(ctx, call.Procedure, args, cred)
	c.server.metrics.RecordRequest(name, time.Since(start), proto.StatusString(status))

	var reply []byte
	switch {
	case errors.Is(err, errProcUnavail):
		logger.Debug("Unknown control procedure", "session", c.id, "procedure", call.Procedure)
		reply, err = rpc.MakeErrorReply(call.XID, rpc.RPCProcUnavail)
	case errors.Is(err, errGarbageArgs):
		logger.Debug("Garbage arguments", "session", c.id, "procedure", name)
		reply, err = rpc.MakeErrorReply(call.XID, rpc.RPCGarbageArgs)
	case err != nil:
		logger.Error("Control procedure failed", "session", c.id, "procedure", name, "error", err)
		reply, err = rpc.MakeErrorReply(call.XID, rpc.RPCSystemErr)
	default:
		logger.Debug("Control call", "session", c.id, "procedure", name,
			"status", proto.StatusString(status), "duration", time.Since(start))
		reply, err = rpc.MakeSuccessReply(call.XID, result)
	}

	if err := c.replyWith(reply, err); err != nil {
		logger.Debug("Failed to send control reply", "session", c.id, "error", err)
		_ = c.conn.Close()
	}
}

// identityFor builds the caller identity. AUTH_UNIX credentials win over
// the uid named in ATTACH.
func (c *connection) identityFor(uid uint32, cred *rpc.UnixAuth) identity.Identity {
	id := identity.Identity{UID: uid, Host: c.ip, IP: c.ip}
	if cred != nil {
		if cred.UID != uid {
			logger.Debug("ATTACH uid overridden by credential",
				"session", c.id, "attach_uid", uid, "cred_uid", cred.UID)
		}
		id.UID = cred.UID
		if cred.MachineName != "" {
			id.Host = cred.MachineName
		}
	}
	return id
}

// replyWith writes a framed reply. It accepts the (reply, error) pair of
// the rpc.Make* builders.
func (c *connection) replyWith(reply []byte, err error) error {
	if err != nil {
		return fmt.Errorf("build reply: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.server.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
