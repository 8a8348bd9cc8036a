// Package ctlfs serves the synthetic control tree to one client session.
//
// A session is a table of fids, each pointing at the root, at "exports" or
// at "server". Reading "server" acquires the caller's backend from the
// supervisor and returns its port followed by a newline. The lease taken by
// that read belongs to the fid and is released when the fid is clunked or
// the session is closed, never more than once.
package ctlfs

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/internal/protocol/ctl"
	"github.com/marmos91/diodctl/pkg/identity"
	"github.com/marmos91/diodctl/pkg/supervisor"
)

// Exports is the part of the export registry a session needs.
type Exports interface {
	IsAuthorized(path string, id identity.Identity) bool
	Serialize() string
}

// Backends hands out and takes back per-user backend leases.
type Backends interface {
	Acquire(ctx context.Context, id identity.Identity) (*supervisor.Lease, error)
	Release(lease *supervisor.Lease) error
}

type fid struct {
	num  uint32
	node node
	id   identity.Identity
	open bool

	// mu serializes computing data; lease is guarded by Session.mu.
	mu    sync.Mutex
	data  []byte
	lease *supervisor.Lease
}

// Session is the fid table of one client connection.
type Session struct {
	name     string
	exports  Exports
	backends Backends

	mu     sync.Mutex
	fids   map[uint32]*fid
	closed bool
}

// NewSession creates an empty session. name only appears in logs.
func NewSession(name string, exports Exports, backends Backends) *Session {
	return &Session{
		name:     name,
		exports:  exports,
		backends: backends,
		fids:     make(map[uint32]*fid),
	}
}

// opened returns the open fid num, checking it is (or is not) a directory.
func (s *Session) opened(op string, num uint32, dir bool) (*fid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fids[num]
	switch {
	case !ok:
		return nil, newError(op, unix.EBADF, nil)
	case f.node.isDir() && !dir:
		return nil, newError(op, unix.EISDIR, nil)
	case !f.node.isDir() && dir:
		return nil, newError(op, unix.ENOTDIR, nil)
	case !f.open:
		return nil, newError(op, unix.EBADF, nil)
	}
	return f, nil
}

// Attach binds fid to the root of the control tree for id. An aname other
// than "" or ControlAname is an export the client is about to mount and
// must be authorized for id.
func (s *Session) Attach(num uint32, id identity.Identity, aname string) (ctl.Qid, error) {
	if num == ctl.NoFid {
		return ctl.Qid{}, newError("attach", unix.EBADF, nil)
	}
	if aname != "" && aname != ControlAname && !s.exports.IsAuthorized(aname, id) {
		return ctl.Qid{}, newError("attach", unix.EPERM, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ctl.Qid{}, newError("attach", unix.EBADF, nil)
	}
	if _, exists := s.fids[num]; exists {
		return ctl.Qid{}, newError("attach", unix.EBADF, nil)
	}
	s.fids[num] = &fid{num: num, node: nodeRoot, id: id}

	logger.Debug("Attach", "session", s.name, "fid", num, "identity", id.String(), "aname", aname)
	return nodeRoot.entry().qid, nil
}

// Walk resolves names from fid and, when every name resolves, binds newfid
// to the result. As in 9P, a failure after the first element returns the
// qids walked so far and leaves newfid unbound; a failure on the first
// element is an error. No names clones fid.
func (s *Session) Walk(num, newNum uint32, names []string) ([]ctl.Qid, error) {
	if len(names) > ctl.MaxWalkElements {
		return nil, newError("walk", unix.E2BIG, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fids[num]
	if !ok {
		return nil, newError("walk", unix.EBADF, nil)
	}
	if f.open {
		return nil, newError("walk", unix.EBADF, nil)
	}
	if newNum != num {
		if newNum == ctl.NoFid {
			return nil, newError("walk", unix.EBADF, nil)
		}
		if _, exists := s.fids[newNum]; exists {
			return nil, newError("walk", unix.EBADF, nil)
		}
	}

	cur := f.node
	qids := make([]ctl.Qid, 0, len(names))
	for i, name := range names {
		if !cur.isDir() {
			if i == 0 {
				return nil, newError("walk", unix.ENOTDIR, nil)
			}
			return qids, nil
		}
		next, found := cur.lookup(name)
		if !found {
			if i == 0 {
				return nil, newError("walk", unix.ENOENT, nil)
			}
			return qids, nil
		}
		cur = next
		qids = append(qids, cur.entry().qid)
	}

	if newNum == num {
		f.node = cur
	} else {
		s.fids[newNum] = &fid{num: newNum, node: cur, id: f.id}
	}
	return qids, nil
}

// Open prepares fid for reading. Every file is read-only.
func (s *Session) Open(num uint32, mode uint32) (ctl.Qid, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fids[num]
	if !ok || f.open {
		return ctl.Qid{}, 0, newError("open", unix.EBADF, nil)
	}
	if mode&3 != ctl.OREAD {
		return ctl.Qid{}, 0, newError("open", unix.EACCES, nil)
	}
	f.open = true
	return f.node.entry().qid, ctl.MaxReadCount, nil
}

// Read returns up to count bytes of the file at offset. The content of a
// fid is computed on its first read and served from that snapshot after.
func (s *Session) Read(ctx context.Context, num uint32, offset uint64, count uint32) ([]byte, error) {
	f, err := s.opened("read", num, false)
	if err != nil {
		return nil, err
	}

	data, err := s.content(ctx, f)
	if err != nil {
		return nil, err
	}

	if count > ctl.MaxReadCount {
		count = ctl.MaxReadCount
	}
	if offset >= uint64(len(data)) {
		return []byte{}, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end], nil
}

func (s *Session) content(ctx context.Context, f *fid) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.data != nil {
		return f.data, nil
	}

	switch f.node {
	case nodeExports:
		f.data = []byte(s.exports.Serialize())

	case nodeServer:
		lease, err := s.backends.Acquire(ctx, f.id)
		if err != nil {
			logger.Warn("Backend acquire failed",
				"session", s.name, "identity", f.id.String(), "error", err)
			return nil, newError("read", unix.EIO, err)
		}

		s.mu.Lock()
		if s.fids[f.num] != f {
			// Clunked while we were waiting.
			s.mu.Unlock()
			_ = s.backends.Release(lease)
			return nil, newError("read", unix.EBADF, nil)
		}
		f.lease = lease
		s.mu.Unlock()

		f.data = []byte(strconv.Itoa(lease.Port) + "\n")
		logger.Debug("Backend port served",
			"session", s.name, "fid", f.num, "uid", lease.UID, "port", lease.Port, "pid", lease.Pid)
	}
	return f.data, nil
}

// Readdir lists the root. offset is the index to resume from; count bounds
// the encoded size of the returned entries, but at least one entry is
// returned while any remain.
func (s *Session) Readdir(num uint32, offset uint64, count uint32) ([]ctl.Dirent, error) {
	if _, err := s.opened("readdir", num, true); err != nil {
		return nil, err
	}

	var (
		out  []ctl.Dirent
		used uint32
	)
	for i := offset; i < uint64(len(children)); i++ {
		e := children[i].entry()
		size := direntSize(e.name)
		if len(out) > 0 && used+size > count {
			break
		}
		out = append(out, ctl.Dirent{Qid: e.qid, Offset: i + 1, Name: e.name})
		used += size
	}
	return out, nil
}

// direntSize is the XDR size of one Dirent.
func direntSize(name string) uint32 {
	return 16 + 8 + 4 + uint32((len(name)+3)&^3)
}

// Stat describes the file fid points at.
func (s *Session) Stat(num uint32) (ctl.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fids[num]
	if !ok {
		return ctl.Stat{}, newError("stat", unix.EBADF, nil)
	}
	return f.node.stat(), nil
}

// Clunk forgets fid and releases the lease it holds, if any.
func (s *Session) Clunk(num uint32) error {
	s.mu.Lock()
	f, ok := s.fids[num]
	if !ok {
		s.mu.Unlock()
		return newError("clunk", unix.EBADF, nil)
	}
	delete(s.fids, num)
	lease := f.lease
	f.lease = nil
	s.mu.Unlock()

	s.release(lease)
	return nil
}

// Close clunks every fid. Later attaches fail.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	var leases []*supervisor.Lease
	for num, f := range s.fids {
		if f.lease != nil {
			leases = append(leases, f.lease)
			f.lease = nil
		}
		delete(s.fids, num)
	}
	s.mu.Unlock()

	for _, l := range leases {
		s.release(l)
	}
	if len(leases) > 0 {
		logger.Debug("Session closed", "session", s.name, "released", len(leases))
	}
}

func (s *Session) release(lease *supervisor.Lease) {
	if lease == nil {
		return
	}
	if err := s.backends.Release(lease); err != nil {
		logger.Warn("Lease release failed", "session", s.name, "uid", lease.UID, "error", err)
	}
}

// Fids returns the number of fids in use.
func (s *Session) Fids() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fids)
}
