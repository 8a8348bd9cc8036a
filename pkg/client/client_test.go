package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/diodctl/internal/protocol/ctl"
	"github.com/marmos91/diodctl/internal/protocol/rpc"
)

// answerFunc builds the framed reply for one call.
type answerFunc func(call *rpc.RPCCallMessage, args []byte) ([]byte, error)

// fakeServer answers every call on a single connection with answer.
func fakeServer(t *testing.T, answer answerFunc) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			record, err := rpc.ReadRecord(conn, rpc.MaxRecordSize)
			if err != nil {
				return
			}
			call, err := rpc.ReadCall(record)
			if err != nil {
				return
			}
			args, err := rpc.ReadData(record, call)
			if err != nil {
				return
			}
			reply, err := answer(call, args)
			if err != nil || reply == nil {
				return
			}
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func result(xid, status uint32, res any) ([]byte, error) {
	data, err := ctl.EncodeResult(status, res)
	if err != nil {
		return nil, err
	}
	return rpc.MakeSuccessReply(xid, data)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, addr string, opts Options) *Client {
	t.Helper()
	c, err := Dial(testCtx(t), addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ============================================================================
// Error Tests
// ============================================================================

func TestStatusError(t *testing.T) {
	err := error(&StatusError{Procedure: "WALK", Status: uint32(unix.ENOENT)})

	assert.ErrorIs(t, err, unix.ENOENT)
	assert.NotErrorIs(t, err, unix.EPERM)
	assert.Contains(t, err.Error(), "WALK")
	assert.Contains(t, err.Error(), "ENOENT")

	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, unix.ENOENT, serr.Errno())
}

// ============================================================================
// Call Tests
// ============================================================================

func TestCredentials(t *testing.T) {
	flavors := make(chan *rpc.RPCCallMessage, 1)
	addr := fakeServer(t, func(call *rpc.RPCCallMessage, _ []byte) ([]byte, error) {
		flavors <- call
		return rpc.MakeSuccessReply(call.XID, nil)
	})

	c := dial(t, addr, Options{UID: 1000, GID: 100, GIDs: []uint32{4, 24}, MachineName: "box", Auth: true})
	require.NoError(t, c.Null(testCtx(t)))

	call := <-flavors
	assert.Equal(t, uint32(ctl.ProgramDiodctl), call.Program)
	assert.Equal(t, uint32(ctl.Version1), call.Version)
	assert.Equal(t, uint32(ctl.ProcNull), call.Procedure)
	require.Equal(t, uint32(rpc.AuthUnix), call.GetAuthFlavor())

	cred, err := rpc.ParseUnixAuth(call.GetAuthBody())
	require.NoError(t, err)
	assert.Equal(t, "box", cred.MachineName)
	assert.Equal(t, uint32(1000), cred.UID)
	assert.Equal(t, uint32(100), cred.GID)
	assert.Equal(t, []uint32{4, 24}, cred.GIDs)
}

func TestNoAuthSendsNull(t *testing.T) {
	flavors := make(chan uint32, 1)
	addr := fakeServer(t, func(call *rpc.RPCCallMessage, _ []byte) ([]byte, error) {
		flavors <- call.GetAuthFlavor()
		return rpc.MakeSuccessReply(call.XID, nil)
	})

	c := dial(t, addr, Options{UID: 1000})
	require.NoError(t, c.Null(testCtx(t)))
	assert.Equal(t, uint32(rpc.AuthNull), <-flavors)
}

func TestNonZeroStatus(t *testing.T) {
	addr := fakeServer(t, func(call *rpc.RPCCallMessage, _ []byte) ([]byte, error) {
		return result(call.XID, uint32(unix.EPERM), nil)
	})

	c := dial(t, addr, Options{})
	_, err := c.Attach(testCtx(t), 1, 1000, "/srv")
	assert.ErrorIs(t, err, unix.EPERM)
}

func TestRejectedCall(t *testing.T) {
	addr := fakeServer(t, func(call *rpc.RPCCallMessage, _ []byte) ([]byte, error) {
		return rpc.MakeAuthErrorReply(call.XID, rpc.AuthTooWeak)
	})

	c := dial(t, addr, Options{})
	_, err := c.Attach(testCtx(t), 1, 1000, "")

	var rerr *rpc.ReplyError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.True(t, rerr.Denied)
}

func TestXIDMismatch(t *testing.T) {
	addr := fakeServer(t, func(call *rpc.RPCCallMessage, _ []byte) ([]byte, error) {
		return rpc.MakeSuccessReply(call.XID+1, nil)
	})

	c := dial(t, addr, Options{})
	err := c.Null(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xid")
}

func TestCancelledCall(t *testing.T) {
	addr := fakeServer(t, func(*rpc.RPCCallMessage, []byte) ([]byte, error) {
		// Stall past the caller's cancellation, then hang up.
		time.Sleep(time.Second)
		return nil, nil
	})

	c := dial(t, addr, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := c.Null(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Control File Tests
// ============================================================================

// fileServer serves a one-file control tree whose file holds content.
func fileServer(t *testing.T, content string, clunked chan<- uint32) string {
	return fakeServer(t, func(call *rpc.RPCCallMessage, args []byte) ([]byte, error) {
		switch call.Procedure {
		case ctl.ProcAttach:
			return result(call.XID, ctl.StatusOK, &ctl.AttachRes{Qid: ctl.Qid{Type: ctl.QTDIR, Path: 1}})
		case ctl.ProcWalk:
			return result(call.XID, ctl.StatusOK, &ctl.WalkRes{Qids: []ctl.Qid{{Path: 2}}})
		case ctl.ProcOpen:
			return result(call.XID, ctl.StatusOK, &ctl.OpenRes{Qid: ctl.Qid{Path: 2}, IOUnit: 4})
		case ctl.ProcRead:
			var req ctl.ReadArgs
			if err := ctl.DecodeArgs(args, &req); err != nil {
				return nil, err
			}
			data := []byte{}
			if req.Offset < uint64(len(content)) {
				end := min(req.Offset+uint64(req.Count), uint64(len(content)))
				data = []byte(content[req.Offset:end])
			}
			return result(call.XID, ctl.StatusOK, &ctl.ReadRes{Data: data})
		case ctl.ProcClunk:
			var req ctl.ClunkArgs
			if err := ctl.DecodeArgs(args, &req); err != nil {
				return nil, err
			}
			if clunked != nil {
				clunked <- req.Fid
			}
			return result(call.XID, ctl.StatusOK, nil)
		}
		return rpc.MakeErrorReply(call.XID, rpc.RPCProcUnavail)
	})
}

func TestExports(t *testing.T) {
	clunked := make(chan uint32, 4)
	addr := fileServer(t, "/srv/a\n/srv/b\n", clunked)

	c := dial(t, addr, Options{UID: 1000})
	list, err := c.Exports(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/a", "/srv/b"}, list)

	// Both the file and the root are clunked.
	assert.Len(t, clunked, 2)
}

func TestServerPort(t *testing.T) {
	clunked := make(chan uint32, 4)
	addr := fileServer(t, "5640\n", clunked)

	c := dial(t, addr, Options{UID: 1000})
	port, err := c.ServerPort(testCtx(t), "")
	require.NoError(t, err)
	assert.Equal(t, 5640, port)

	// Only the root is clunked; the file fid keeps the lease.
	require.Len(t, clunked, 1)
	assert.Equal(t, uint32(1), <-clunked)
}

func TestServerPortInvalid(t *testing.T) {
	addr := fileServer(t, "not-a-port\n", nil)

	c := dial(t, addr, Options{UID: 1000})
	_, err := c.ServerPort(testCtx(t), "")
	assert.Error(t, err)
}
