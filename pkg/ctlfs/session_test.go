package ctlfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/diodctl/internal/protocol/ctl"
	"github.com/marmos91/diodctl/pkg/identity"
	"github.com/marmos91/diodctl/pkg/supervisor"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeExports struct {
	allowed map[string]bool
	list    string
}

func (f *fakeExports) IsAuthorized(path string, _ identity.Identity) bool {
	return f.allowed[path]
}

func (f *fakeExports) Serialize() string { return f.list }

type fakeBackends struct {
	mu       sync.Mutex
	acquired int
	released []*supervisor.Lease
	port     int
	err      error
	block    chan struct{}
}

func (f *fakeBackends) Acquire(ctx context.Context, id identity.Identity) (*supervisor.Lease, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return &supervisor.Lease{UID: id.UID, Port: f.port, Pid: 4242}, nil
}

func (f *fakeBackends) Release(l *supervisor.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, l)
	return nil
}

func (f *fakeBackends) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, len(f.released)
}

func newTestSession() (*Session, *fakeExports, *fakeBackends) {
	ex := &fakeExports{
		allowed: map[string]bool{"/export": true},
		list:    "/export\n/data\n",
	}
	be := &fakeBackends{port: 40123}
	return NewSession("test", ex, be), ex, be
}

var alice = identity.Identity{UID: 1000, Host: "client", IP: "10.0.0.5"}

func assertErrno(t *testing.T, err error, errno unix.Errno) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *ctlfs.Error, got %T", err)
	assert.Equal(t, errno, e.Errno)
	assert.Equal(t, uint32(errno), Errno(err))
}

// openFile attaches fid 1 and walks/opens fid 2 at name.
func openFile(t *testing.T, s *Session, name string) {
	t.Helper()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)
	_, err = s.Walk(1, 2, []string{name})
	require.NoError(t, err)
	_, _, err = s.Open(2, ctl.OREAD)
	require.NoError(t, err)
}

// ============================================================================
// Attach Tests
// ============================================================================

func TestAttach(t *testing.T) {
	tests := []struct {
		name  string
		aname string
		errno unix.Errno
	}{
		{"EmptyAname", "", 0},
		{"ControlAname", ControlAname, 0},
		{"AuthorizedExport", "/export", 0},
		{"UnauthorizedExport", "/etc", unix.EPERM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSession()
			qid, err := s.Attach(1, alice, tt.aname)
			if tt.errno != 0 {
				assertErrno(t, err, tt.errno)
				assert.Equal(t, 0, s.Fids())
				return
			}
			require.NoError(t, err)
			assert.True(t, qid.IsDir())
			assert.Equal(t, uint64(1), qid.Path)
		})
	}
}

func TestAttachFidInUse(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	_, err = s.Attach(1, alice, "")
	assertErrno(t, err, unix.EBADF)

	_, err = s.Attach(ctl.NoFid, alice, "")
	assertErrno(t, err, unix.EBADF)
}

func TestAttachAfterClose(t *testing.T) {
	s, _, _ := newTestSession()
	s.Close()
	_, err := s.Attach(1, alice, "")
	assertErrno(t, err, unix.EBADF)
}

// ============================================================================
// Walk Tests
// ============================================================================

func TestWalk(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	qids, err := s.Walk(1, 2, []string{FileServer})
	require.NoError(t, err)
	require.Len(t, qids, 1)
	assert.Equal(t, uint64(3), qids[0].Path)
	assert.False(t, qids[0].IsDir())

	qids, err = s.Walk(1, 3, []string{"..", FileExports})
	require.NoError(t, err)
	require.Len(t, qids, 2)
	assert.Equal(t, uint64(2), qids[1].Path)

	// Clone.
	qids, err = s.Walk(1, 4, nil)
	require.NoError(t, err)
	assert.Empty(t, qids)
	assert.Equal(t, 4, s.Fids())
}

func TestWalkErrors(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)
	_, err = s.Walk(1, 2, []string{FileServer})
	require.NoError(t, err)

	_, err = s.Walk(1, 5, []string{"nope"})
	assertErrno(t, err, unix.ENOENT)

	_, err = s.Walk(2, 5, []string{"x"})
	assertErrno(t, err, unix.ENOTDIR)

	_, err = s.Walk(9, 5, []string{FileServer})
	assertErrno(t, err, unix.EBADF)

	// newfid in use
	_, err = s.Walk(1, 2, []string{FileServer})
	assertErrno(t, err, unix.EBADF)

	// Partial walk returns the prefix and binds nothing.
	qids, err := s.Walk(1, 6, []string{FileServer, "deeper"})
	require.NoError(t, err)
	assert.Len(t, qids, 1)
	_, err = s.Stat(6)
	assertErrno(t, err, unix.EBADF)

	names := make([]string, ctl.MaxWalkElements+1)
	_, err = s.Walk(1, 7, names)
	assertErrno(t, err, unix.E2BIG)
}

func TestWalkInPlace(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	_, err = s.Walk(1, 1, []string{FileExports})
	require.NoError(t, err)

	st, err := s.Stat(1)
	require.NoError(t, err)
	assert.Equal(t, FileExports, st.Name)
}

// ============================================================================
// Open/Read Tests
// ============================================================================

func TestOpenModes(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	for i, mode := range []uint32{ctl.OWRITE, ctl.ORDWR, ctl.OEXEC} {
		newfid := uint32(10 + i)
		_, err = s.Walk(1, newfid, []string{FileExports})
		require.NoError(t, err)
		_, _, err = s.Open(newfid, mode)
		assertErrno(t, err, unix.EACCES)
	}

	_, err = s.Walk(1, 2, []string{FileExports})
	require.NoError(t, err)
	qid, iounit, err := s.Open(2, ctl.OREAD)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), qid.Path)
	assert.Equal(t, uint32(ctl.MaxReadCount), iounit)

	_, _, err = s.Open(2, ctl.OREAD)
	assertErrno(t, err, unix.EBADF)
}

func TestReadExports(t *testing.T) {
	s, ex, _ := newTestSession()
	openFile(t, s, FileExports)

	data, err := s.Read(context.Background(), 2, 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, "/export\n/data\n", string(data))

	// Later reads of the same fid see the same snapshot.
	ex.list = "/other\n"
	data, err = s.Read(context.Background(), 2, 8, 1024)
	require.NoError(t, err)
	assert.Equal(t, "/data\n", string(data))

	data, err = s.Read(context.Background(), 2, 100, 1024)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadServer(t *testing.T) {
	s, _, be := newTestSession()
	openFile(t, s, FileServer)

	data, err := s.Read(context.Background(), 2, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "40123\n", string(data))

	data, err = s.Read(context.Background(), 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "12", string(data))

	acquired, released := be.counts()
	assert.Equal(t, 1, acquired, "one acquire per fid")
	assert.Equal(t, 0, released)

	require.NoError(t, s.Clunk(2))
	acquired, released = be.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)

	assertErrno(t, s.Clunk(2), unix.EBADF)
	_, released = be.counts()
	assert.Equal(t, 1, released, "double clunk must not release again")
}

func TestReadServerFailure(t *testing.T) {
	s, _, be := newTestSession()
	be.err = errors.New("handshake timeout")
	openFile(t, s, FileServer)

	_, err := s.Read(context.Background(), 2, 0, 64)
	assertErrno(t, err, unix.EIO)

	require.NoError(t, s.Clunk(2))
	_, released := be.counts()
	assert.Equal(t, 0, released, "failed acquire holds no lease")
}

func TestReadErrors(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)
	_, err = s.Walk(1, 2, []string{FileServer})
	require.NoError(t, err)

	_, err = s.Read(context.Background(), 2, 0, 10)
	assertErrno(t, err, unix.EBADF)

	_, _, err = s.Open(1, ctl.OREAD)
	require.NoError(t, err)
	_, err = s.Read(context.Background(), 1, 0, 10)
	assertErrno(t, err, unix.EISDIR)

	_, err = s.Read(context.Background(), 42, 0, 10)
	assertErrno(t, err, unix.EBADF)
}

func TestClunkDuringAcquire(t *testing.T) {
	s, _, be := newTestSession()
	be.block = make(chan struct{})
	openFile(t, s, FileServer)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), 2, 0, 64)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Clunk(2))
	close(be.block)

	assertErrno(t, <-done, unix.EBADF)
	acquired, released := be.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released, "lease obtained after clunk is given back")
}

func TestReadCancelled(t *testing.T) {
	s, _, be := newTestSession()
	be.block = make(chan struct{})
	openFile(t, s, FileServer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Read(ctx, 2, 0, 64)
	assertErrno(t, err, unix.EIO)
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Readdir/Stat Tests
// ============================================================================

func TestReaddir(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)
	_, _, err = s.Open(1, ctl.OREAD)
	require.NoError(t, err)

	entries, err := s.Readdir(1, 0, 4096)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, FileExports, entries[0].Name)
	assert.Equal(t, FileServer, entries[1].Name)

	// A tiny budget still yields one entry per call.
	entries, err = s.Readdir(1, 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entries, err = s.Readdir(1, entries[0].Offset, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileServer, entries[0].Name)

	entries, err = s.Readdir(1, 2, 4096)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReaddirErrors(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	_, err = s.Readdir(1, 0, 4096)
	assertErrno(t, err, unix.EBADF)

	_, err = s.Walk(1, 2, []string{FileExports})
	require.NoError(t, err)
	_, _, err = s.Open(2, ctl.OREAD)
	require.NoError(t, err)
	_, err = s.Readdir(2, 0, 4096)
	assertErrno(t, err, unix.ENOTDIR)
}

func TestStat(t *testing.T) {
	s, _, _ := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	st, err := s.Stat(1)
	require.NoError(t, err)
	assert.True(t, st.Qid.IsDir())
	assert.Equal(t, uint32(ctl.DMDIR|0o555), st.Mode)

	_, err = s.Walk(1, 2, []string{FileServer})
	require.NoError(t, err)
	st, err = s.Stat(2)
	require.NoError(t, err)
	assert.Equal(t, FileServer, st.Name)
	assert.Equal(t, uint32(0o444), st.Mode)
	assert.Zero(t, st.Length)
}

// ============================================================================
// Close Tests
// ============================================================================

func TestCloseReleasesEveryLease(t *testing.T) {
	s, _, be := newTestSession()
	_, err := s.Attach(1, alice, "")
	require.NoError(t, err)

	for fid := uint32(2); fid < 5; fid++ {
		_, err = s.Walk(1, fid, []string{FileServer})
		require.NoError(t, err)
		_, _, err = s.Open(fid, ctl.OREAD)
		require.NoError(t, err)
		_, err = s.Read(context.Background(), fid, 0, 64)
		require.NoError(t, err)
	}
	require.NoError(t, s.Clunk(2))

	s.Close()
	acquired, released := be.counts()
	assert.Equal(t, 3, acquired)
	assert.Equal(t, 3, released)
	assert.Equal(t, 0, s.Fids())

	s.Close()
	_, released = be.counts()
	assert.Equal(t, 3, released)
}

func TestErrnoMapping(t *testing.T) {
	assert.Equal(t, uint32(0), Errno(nil))
	assert.Equal(t, uint32(unix.EIO), Errno(errors.New("boom")))
	assert.Equal(t, uint32(unix.ENOENT), Errno(newError("walk", unix.ENOENT, nil)))
	assert.Contains(t, newError("read", unix.EIO, errors.New("spawn failed")).Error(), "spawn failed")
}
