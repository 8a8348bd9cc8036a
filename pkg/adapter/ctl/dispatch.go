package ctl

import (
	"context"
	"errors"
	"fmt"

	proto "github.com/marmos91/diodctl/internal/protocol/ctl"
	"github.com/marmos91/diodctl/internal/protocol/rpc"
	"github.com/marmos91/diodctl/pkg/ctlfs"
)

var (
	errProcUnavail = errors.New("procedure unavailable")
	errGarbageArgs = errors.New("garbage arguments")
)

// procedureHandler runs one control procedure. It returns the encoded
// result (status word included) and that status. A non-nil error means no
// result could be produced and the call is answered at the RPC level.
type procedureHandler func(ctx context.Context, c *connection, args []byte, cred *rpc.UnixAuth) ([]byte, uint32, error)

// dispatchTable maps procedure numbers to handlers.
var dispatchTable map[uint32]procedureHandler

func init() {
	dispatchTable = map[uint32]procedureHandler{
		proto.ProcNull:    handleNull,
		proto.ProcAttach:  handleAttach,
		proto.ProcWalk:    handleWalk,
		proto.ProcOpen:    handleOpen,
		proto.ProcRead:    handleRead,
		proto.ProcClunk:   handleClunk,
		proto.ProcStat:    handleStat,
		proto.ProcReaddir: handleReaddir,
	}
}

func (c *connection) dispatch(ctx context.Context, proc uint32, args []byte, cred *rpc.UnixAuth) ([]byte, uint32, error) {
	handler, ok := dispatchTable[proc]
	if !ok {
		return nil, 0, errProcUnavail
	}
	return handler(ctx, c, args, cred)
}

func decode(args []byte, v any) error {
	if err := proto.DecodeArgs(args, v); err != nil {
		return fmt.Errorf("%w: %v", errGarbageArgs, err)
	}
	return nil
}

// reply encodes res under the status derived from opErr.
func reply(opErr error, res any) ([]byte, uint32, error) {
	status := ctlfs.Errno(opErr)
	data, err := proto.EncodeResult(status, res)
	return data, status, err
}

func handleNull(context.Context, *connection, []byte, *rpc.UnixAuth) ([]byte, uint32, error) {
	return []byte{}, proto.StatusOK, nil
}

func handleAttach(_ context.Context, c *connection, args []byte, cred *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.AttachArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	id := c.identityFor(req.UID, cred)
	qid, err := c.session.Attach(req.Fid, id, req.Aname)
	return reply(err, &proto.AttachRes{Qid: qid})
}

func handleWalk(_ context.Context, c *connection, args []byte, _ *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.WalkArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	qids, err := c.session.Walk(req.Fid, req.NewFid, req.Names)
	return reply(err, &proto.WalkRes{Qids: qids})
}

func handleOpen(_ context.Context, c *connection, args []byte, _ *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.OpenArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	qid, iounit, err := c.session.Open(req.Fid, req.Mode)
	return reply(err, &proto.OpenRes{Qid: qid, IOUnit: iounit})
}

func handleRead(ctx context.Context, c *connection, args []byte, _ *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.ReadArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	data, err := c.session.Read(ctx, req.Fid, req.Offset, req.Count)
	return reply(err, &proto.ReadRes{Data: data})
}

func handleClunk(_ context.Context, c *connection, args []byte, _ *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.ClunkArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	return reply(c.session.Clunk(req.Fid), nil)
}

func handleStat(_ context.Context, c *connection, args []byte, _ *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.StatArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	st, err := c.session.Stat(req.Fid)
	return reply(err, &proto.StatRes{Stat: st})
}

func handleReaddir(_ context.Context, c *connection, args []byte, _ *rpc.UnixAuth) ([]byte, uint32, error) {
	var req proto.ReaddirArgs
	if err := decode(args, &req); err != nil {
		return nil, 0, err
	}

	entries, err := c.session.Readdir(req.Fid, req.Offset, req.Count)
	return reply(err, &proto.ReaddirRes{Entries: entries})
}
