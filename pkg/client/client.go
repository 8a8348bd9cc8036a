// Package client talks to a diodctl control server.
//
// A Client holds one connection and issues one call at a time. The fids it
// allocates live until they are clunked or the client is closed; in
// particular the fid behind ServerPort keeps the backend lease alive, so a
// caller that mounts the returned port should keep the client open until it
// is done.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/diodctl/internal/protocol/ctl"
	"github.com/marmos91/diodctl/internal/protocol/rpc"
)

// Options configures a Client.
type Options struct {
	// UID is sent in ATTACH and, with Auth, in the AUTH_UNIX credential.
	UID uint32
	GID uint32

	// GIDs are the supplementary groups of the credential.
	GIDs []uint32

	// MachineName defaults to the local hostname.
	MachineName string

	// Auth sends AUTH_UNIX credentials. Without it calls carry AUTH_NULL.
	Auth bool
}

// StatusError is a non-zero status returned by a control procedure.
type StatusError struct {
	Procedure string
	Status    uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Procedure, ctl.StatusString(e.Status))
}

// Errno returns the status as an errno.
func (e *StatusError) Errno() unix.Errno {
	return unix.Errno(e.Status)
}

// Is lets errors.Is match a StatusError against an errno.
func (e *StatusError) Is(target error) bool {
	errno, ok := target.(unix.Errno)
	return ok && uint32(errno) == e.Status
}

// Client is a connection to a control server.
type Client struct {
	conn net.Conn
	opts Options
	cred rpc.OpaqueAuth

	mu      sync.Mutex
	xid     uint32
	nextFid uint32
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		cred:    rpc.OpaqueAuth{Flavor: rpc.AuthNull, Body: []byte{}},
		xid:     uint32(time.Now().UnixNano()),
		nextFid: 1,
	}

	if opts.Auth {
		name := opts.MachineName
		if name == "" {
			name, _ = os.Hostname()
		}
		c.cred, err = rpc.EncodeUnixAuth(&rpc.UnixAuth{
			Stamp:       uint32(time.Now().Unix()),
			MachineName: name,
			UID:         opts.UID,
			GID:         opts.GID,
			GIDs:        opts.GIDs,
		})
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close closes the connection. The server releases every lease the
// connection held.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs one procedure. res may be nil when the procedure has no
// result body. A non-zero status comes back as *StatusError.
func (c *Client) call(ctx context.Context, proc uint32, args, res any) error {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = ctl.EncodeArgs(args); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.xid++
	xid := c.xid

	record, err := rpc.MakeCall(xid, ctl.ProgramDiodctl, ctl.Version1, proc, c.cred, payload)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	if _, err := c.conn.Write(record); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("send %s: %w", ctl.ProcedureName(proc), err))
	}

	reply, err := rpc.ReadRecord(c.conn, rpc.MaxRecordSize)
	if err != nil {
		return c.ctxErr(ctx, fmt.Errorf("receive %s: %w", ctl.ProcedureName(proc), err))
	}

	gotXID, data, err := rpc.ParseReply(reply)
	if err != nil {
		return fmt.Errorf("%s: %w", ctl.ProcedureName(proc), err)
	}
	if gotXID != xid {
		return fmt.Errorf("%s: reply xid 0x%x does not match call 0x%x", ctl.ProcedureName(proc), gotXID, xid)
	}

	if proc == ctl.ProcNull {
		return nil
	}

	status, err := ctl.DecodeResult(data, res)
	if err != nil {
		return fmt.Errorf("%s: %w", ctl.ProcedureName(proc), err)
	}
	if status != ctl.StatusOK {
		return &StatusError{Procedure: ctl.ProcedureName(proc), Status: status}
	}
	return nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) allocFid() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	fid := c.nextFid
	c.nextFid++
	return fid
}

// Null pings the server.
func (c *Client) Null(ctx context.Context) error {
	return c.call(ctx, ctl.ProcNull, nil, nil)
}

// Attach binds fid to the control root for uid. aname is "" or an export
// the caller intends to mount.
func (c *Client) Attach(ctx context.Context, fid, uid uint32, aname string) (ctl.Qid, error) {
	var res ctl.AttachRes
	err := c.call(ctx, ctl.ProcAttach, &ctl.AttachArgs{Fid: fid, UID: uid, Aname: aname}, &res)
	return res.Qid, err
}

// Walk walks names from fid and binds newfid to the result.
func (c *Client) Walk(ctx context.Context, fid, newfid uint32, names ...string) ([]ctl.Qid, error) {
	if names == nil {
		names = []string{}
	}
	var res ctl.WalkRes
	err := c.call(ctx, ctl.ProcWalk, &ctl.WalkArgs{Fid: fid, NewFid: newfid, Names: names}, &res)
	return res.Qids, err
}

// Open opens fid with mode.
func (c *Client) Open(ctx context.Context, fid, mode uint32) (ctl.Qid, uint32, error) {
	var res ctl.OpenRes
	err := c.call(ctx, ctl.ProcOpen, &ctl.OpenArgs{Fid: fid, Mode: mode}, &res)
	return res.Qid, res.IOUnit, err
}

// Read reads up to count bytes at offset.
func (c *Client) Read(ctx context.Context, fid uint32, offset uint64, count uint32) ([]byte, error) {
	var res ctl.ReadRes
	err := c.call(ctx, ctl.ProcRead, &ctl.ReadArgs{Fid: fid, Offset: offset, Count: count}, &res)
	return res.Data, err
}

// Clunk releases fid.
func (c *Client) Clunk(ctx context.Context, fid uint32) error {
	return c.call(ctx, ctl.ProcClunk, &ctl.ClunkArgs{Fid: fid}, nil)
}

// Stat describes fid.
func (c *Client) Stat(ctx context.Context, fid uint32) (ctl.Stat, error) {
	var res ctl.StatRes
	err := c.call(ctx, ctl.ProcStat, &ctl.StatArgs{Fid: fid}, &res)
	return res.Stat, err
}

// Readdir lists the directory open on fid from offset.
func (c *Client) Readdir(ctx context.Context, fid uint32, offset uint64, count uint32) ([]ctl.Dirent, error) {
	var res ctl.ReaddirRes
	err := c.call(ctx, ctl.ProcReaddir, &ctl.ReaddirArgs{Fid: fid, Offset: offset, Count: count}, &res)
	return res.Entries, err
}

// readFile attaches, walks to name and reads it whole. It returns the fid
// of the open file, which the caller owns; the root fid is clunked.
func (c *Client) readFile(ctx context.Context, aname, name string) ([]byte, uint32, error) {
	root := c.allocFid()
	if _, err := c.Attach(ctx, root, c.opts.UID, aname); err != nil {
		return nil, 0, err
	}
	defer func() { _ = c.Clunk(ctx, root) }()

	file := c.allocFid()
	if _, err := c.Walk(ctx, root, file, name); err != nil {
		return nil, 0, err
	}
	_, iounit, err := c.Open(ctx, file, ctl.OREAD)
	if err != nil {
		_ = c.Clunk(ctx, file)
		return nil, 0, err
	}
	if iounit == 0 {
		iounit = ctl.MaxReadCount
	}

	var data []byte
	for {
		chunk, err := c.Read(ctx, file, uint64(len(data)), iounit)
		if err != nil {
			_ = c.Clunk(ctx, file)
			return nil, 0, err
		}
		if len(chunk) == 0 {
			return data, file, nil
		}
		data = append(data, chunk...)
	}
}

// Exports returns the server's export list.
func (c *Client) Exports(ctx context.Context) ([]string, error) {
	data, fid, err := c.readFile(ctx, "", "exports")
	if err != nil {
		return nil, err
	}
	_ = c.Clunk(ctx, fid)

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// ServerPort returns the port of the caller's backend, spawning it if
// needed. aname is the export to be mounted, or "" to skip the export
// check. The backend lease is held until Close.
func (c *Client) ServerPort(ctx context.Context, aname string) (int, error) {
	data, _, err := c.readFile(ctx, aname, "server")
	if err != nil {
		return 0, err
	}

	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("server returned invalid port %q", string(data))
	}
	return port, nil
}
