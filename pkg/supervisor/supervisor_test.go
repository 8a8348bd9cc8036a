package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/diodctl/pkg/identity"
	"github.com/marmos91/diodctl/pkg/metrics"
	"github.com/marmos91/diodctl/pkg/reaper"
	"github.com/marmos91/diodctl/pkg/spawner"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeHandle struct {
	mu       sync.Mutex
	signals  []os.Signal
	released bool
	onSignal func(os.Signal)
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	cb := h.onSignal
	h.mu.Unlock()
	if cb != nil {
		cb(sig)
	}
	return nil
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return nil
}

func (h *fakeHandle) got() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

type fakeSpawner struct {
	mu      sync.Mutex
	calls   int
	nextPid int
	handles map[int]*fakeHandle

	gate     chan struct{}
	err      error
	afterRun func(pid int)
	onSignal func(pid int, sig os.Signal)
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPid: 1000, handles: make(map[int]*fakeHandle)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, id identity.Identity) (*spawner.Process, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &spawner.SpawnError{Stage: spawner.StageHandshake, UID: id.UID, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	f.nextPid++
	pid := f.nextPid
	h := &fakeHandle{}
	if f.onSignal != nil {
		cb := f.onSignal
		h.onSignal = func(sig os.Signal) { cb(pid, sig) }
	}
	f.handles[pid] = h
	after := f.afterRun
	f.mu.Unlock()

	if after != nil {
		after(pid)
	}
	return &spawner.Process{Pid: pid, Port: 40000 + pid, UID: id.UID, Handle: h}, nil
}

func (f *fakeSpawner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSpawner) handle(pid int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[pid]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSupervisor(t *testing.T, cfg Config, sp spawner.Spawner) (*Supervisor, *fakeClock) {
	t.Helper()
	sup, err := New(cfg, sp, nil)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sup.now = clock.Now
	return sup, clock
}

func user(uid uint32) identity.Identity {
	return identity.Identity{UID: uid, Host: "client", IP: "10.0.0.1"}
}

func recordFor(sup *Supervisor, uid uint32) (RecordInfo, bool) {
	for _, r := range sup.Snapshot() {
		if r.UID == uid {
			return r, true
		}
	}
	return RecordInfo{}, false
}

// ============================================================================
// Acquire Tests
// ============================================================================

func TestAcquireSingleFlight(t *testing.T) {
	sp := newFakeSpawner()
	sp.gate = make(chan struct{})
	sup, _ := newTestSupervisor(t, Config{}, sp)

	const n = 50
	leases := make(chan *Lease, n)
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := sup.Acquire(context.Background(), user(1000))
			if err != nil {
				errs <- err
				return
			}
			leases <- l
		}()
	}

	require.Eventually(t, func() bool { return sp.callCount() == 1 }, time.Second, time.Millisecond)
	info, ok := recordFor(sup, 1000)
	require.True(t, ok)
	assert.Equal(t, StatePending, info.State)

	close(sp.gate)
	wg.Wait()
	close(leases)
	close(errs)

	assert.Empty(t, errs)
	ports := map[int]bool{}
	for l := range leases {
		ports[l.Port] = true
	}
	assert.Len(t, ports, 1, "every waiter must see the same port")
	assert.Equal(t, 1, sp.callCount())

	info, _ = recordFor(sup, 1000)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, n, info.Leases)
}

func TestAcquireRunningFastPath(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	l1, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	l2, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	assert.Equal(t, l1.Port, l2.Port)
	assert.Equal(t, l1.Pid, l2.Pid)
	assert.Equal(t, 1, sp.callCount())

	info, _ := recordFor(sup, 1)
	assert.Equal(t, 2, info.Leases)
}

func TestAcquireDistinctUsers(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	a, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	b, err := sup.Acquire(context.Background(), user(2))
	require.NoError(t, err)

	assert.NotEqual(t, a.Port, b.Port)
	assert.Equal(t, 2, sp.callCount())
}

func TestAcquireSpawnFailureSharedByWaiters(t *testing.T) {
	sp := newFakeSpawner()
	sp.gate = make(chan struct{})
	failure := &spawner.SpawnError{Stage: spawner.StageExec, UID: 5, Err: errors.New("no such file")}
	sp.err = failure
	sup, _ := newTestSupervisor(t, Config{}, sp)

	const n = 10
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Acquire(context.Background(), user(5))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return sp.callCount() == 1 }, time.Second, time.Millisecond)
	close(sp.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.Same(t, failure, err)
	}

	_, ok := recordFor(sup, 5)
	assert.False(t, ok, "failed record must be removed")

	// A later acquire retries.
	sp.mu.Lock()
	sp.err = nil
	sp.gate = nil
	sp.mu.Unlock()
	before := sp.callCount()
	_, err := sup.Acquire(context.Background(), user(5))
	require.NoError(t, err)
	assert.Equal(t, before+1, sp.callCount())
}

func TestAcquireFailureIsolatedPerUser(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	ok, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	sp.mu.Lock()
	sp.err = &spawner.SpawnError{Stage: spawner.StageCredentials, UID: 2, Err: errors.New("unknown user")}
	sp.mu.Unlock()

	_, err = sup.Acquire(context.Background(), user(2))
	require.Error(t, err)

	info, found := recordFor(sup, 1)
	require.True(t, found)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, ok.Port, info.Port)
}

func TestAcquireCancelledWaiter(t *testing.T) {
	sp := newFakeSpawner()
	sp.gate = make(chan struct{})
	sup, _ := newTestSupervisor(t, Config{}, sp)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := sup.Acquire(ctx, user(9))
		cancelled <- err
	}()

	other := make(chan *Lease, 1)
	go func() {
		l, err := sup.Acquire(context.Background(), user(9))
		if err == nil {
			other <- l
		}
		close(other)
	}()

	require.Eventually(t, func() bool { return sp.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(sp.gate)
	l, ok := <-other
	require.True(t, ok, "remaining waiter must still get the backend")
	assert.NotZero(t, l.Port)

	info, _ := recordFor(sup, 9)
	assert.Equal(t, 1, info.Leases)
	assert.Equal(t, 1, sp.callCount())
}

func TestAcquireInitiatorCancelDoesNotAbortSpawn(t *testing.T) {
	sp := newFakeSpawner()
	sp.gate = make(chan struct{})
	sup, _ := newTestSupervisor(t, Config{}, sp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sup.Acquire(ctx, user(3))
		done <- err
	}()

	require.Eventually(t, func() bool { return sp.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(sp.gate)
	require.Eventually(t, func() bool {
		info, ok := recordFor(sup, 3)
		return ok && info.State == StateRunning
	}, time.Second, time.Millisecond)

	info, _ := recordFor(sup, 3)
	assert.Equal(t, 0, info.Leases)
}

// sweepOnRunning runs a sweep from inside the first publish that reports a
// running backend. That publish happens under the supervisor lock right
// after a spawn resolves, before any waiter can wake up.
type sweepOnRunning struct {
	metrics.SupervisorMetrics

	sup   *Supervisor
	swept bool
	stats SweepStats
}

func (m *sweepOnRunning) SetBackends(state string, n int) {
	if state == StateRunning.String() && n > 0 && !m.swept {
		m.swept = true
		m.stats = m.sup.sweepLocked()
	}
}

func TestSweepBetweenSpawnAndWaitersKeepsBackend(t *testing.T) {
	sp := newFakeSpawner()
	sp.gate = make(chan struct{})

	m := &sweepOnRunning{SupervisorMetrics: metrics.NewNoopSupervisorMetrics()}
	sup, err := New(Config{Idle: IdlePolicy{Kind: IdleImmediate}}, sp, m)
	require.NoError(t, err)
	m.sup = sup

	const n = 3
	leases := make(chan *Lease, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := sup.Acquire(context.Background(), user(1000))
			if assert.NoError(t, err) {
				leases <- l
			}
		}()
	}

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		rec := sup.byUID[1000]
		return rec != nil && rec.waiters == n
	}, time.Second, time.Millisecond)

	close(sp.gate)
	wg.Wait()
	close(leases)

	sup.mu.Lock()
	swept, stats := m.swept, m.stats
	sup.mu.Unlock()
	require.True(t, swept)
	assert.Zero(t, stats.Terminated)

	pids := map[int]bool{}
	for l := range leases {
		pids[l.Pid] = true
	}
	require.Len(t, pids, 1)
	assert.Equal(t, 1, sp.callCount())
	for pid := range pids {
		assert.Empty(t, sp.handle(pid).got(), "backend must not be signalled")
	}

	info, _ := recordFor(sup, 1000)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, n, info.Leases)
}

// ============================================================================
// Release Tests
// ============================================================================

func TestRelease(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	l1, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	l2, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	require.NoError(t, sup.Release(l1))
	info, _ := recordFor(sup, 1)
	assert.Equal(t, 1, info.Leases)

	assert.ErrorIs(t, sup.Release(l1), ErrNotAcquired)
	info, _ = recordFor(sup, 1)
	assert.Equal(t, 1, info.Leases, "double release must not decrement")

	require.NoError(t, sup.Release(l2))
	info, _ = recordFor(sup, 1)
	assert.Equal(t, 0, info.Leases)
	assert.Equal(t, StateRunning, info.State, "never policy keeps the backend")

	assert.ErrorIs(t, sup.Release(nil), ErrNotAcquired)
}

func TestReleaseAfterExitIsNoop(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	old, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	sup.OnChildExit(reaper.ExitStatus{Pid: old.Pid, Code: 1})

	fresh, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	assert.NotEqual(t, old.Pid, fresh.Pid)

	// The stale lease must not touch the new generation.
	require.NoError(t, sup.Release(old))
	info, _ := recordFor(sup, 1)
	assert.Equal(t, 1, info.Leases)
}

// ============================================================================
// Exit Handling Tests
// ============================================================================

func TestOnChildExitRemovesRecord(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	sup.OnChildExit(reaper.ExitStatus{Pid: l.Pid, Signal: syscall.SIGSEGV})

	_, ok := recordFor(sup, 1)
	assert.False(t, ok)
	assert.True(t, sp.handle(l.Pid).released, "process handle must be released")
}

func TestOnChildExitDuringPending(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{}, sp)

	// The reaper sees the exit while the spawn is still handshaking.
	sp.afterRun = func(pid int) {
		sup.OnChildExit(reaper.ExitStatus{Pid: pid, Code: 1})
	}

	_, err := sup.Acquire(context.Background(), user(4))
	assert.ErrorIs(t, err, ErrBackendExited)

	_, ok := recordFor(sup, 4)
	assert.False(t, ok)

	sp.afterRun = nil
	_, err = sup.Acquire(context.Background(), user(4))
	assert.NoError(t, err)
}

func TestOnChildExitUnknownPidPruned(t *testing.T) {
	sp := newFakeSpawner()
	sup, clock := newTestSupervisor(t, Config{ParkTTL: time.Minute}, sp)

	sup.OnChildExit(reaper.ExitStatus{Pid: 77})
	assert.Equal(t, 0, sup.Sweep().PrunedParked)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, sup.Sweep().PrunedParked)
}

func TestParkedExitFromEarlierProcessIgnored(t *testing.T) {
	sp := newFakeSpawner()
	sup, clock := newTestSupervisor(t, Config{}, sp)

	// pid 1001 is what the next spawn will get; park an exit for it first.
	sup.OnChildExit(reaper.ExitStatus{Pid: 1001})
	clock.Advance(time.Second)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	assert.Equal(t, 1001, l.Pid)
}

// ============================================================================
// Idle Policy Tests
// ============================================================================

func TestIdleImmediate(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{Idle: IdlePolicy{Kind: IdleImmediate}}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	require.NoError(t, sup.Release(l))

	assert.Equal(t, []os.Signal{syscall.SIGTERM}, sp.handle(l.Pid).got())
	info, _ := recordFor(sup, 1)
	assert.Equal(t, StateStopping, info.State)

	// An acquire during Stopping waits for the exit, then spawns anew.
	got := make(chan *Lease, 1)
	go func() {
		nl, err := sup.Acquire(context.Background(), user(1))
		if err == nil {
			got <- nl
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sp.callCount())

	sup.OnChildExit(reaper.ExitStatus{Pid: l.Pid, Signal: syscall.SIGTERM})
	nl, ok := <-got
	require.True(t, ok)
	assert.NotEqual(t, l.Pid, nl.Pid)
	assert.Equal(t, 2, sp.callCount())
}

func TestIdleGrace(t *testing.T) {
	sp := newFakeSpawner()
	sup, clock := newTestSupervisor(t, Config{Idle: IdlePolicy{Kind: IdleGrace, Timeout: time.Minute}}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	require.NoError(t, sup.Release(l))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, sup.Sweep().Terminated)

	// Re-acquire cancels the idle timer.
	l2, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, sup.Sweep().Terminated)

	require.NoError(t, sup.Release(l2))
	clock.Advance(61 * time.Second)
	assert.Equal(t, 1, sup.Sweep().Terminated)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, sp.handle(l.Pid).got())
}

func TestIdleNeverKeepsBackend(t *testing.T) {
	sp := newFakeSpawner()
	sup, clock := newTestSupervisor(t, Config{}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	require.NoError(t, sup.Release(l))

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, sup.Sweep().Terminated)
	assert.Empty(t, sp.handle(l.Pid).got())
}

func TestKillEscalation(t *testing.T) {
	sp := newFakeSpawner()
	sup, clock := newTestSupervisor(t, Config{
		Idle:        IdlePolicy{Kind: IdleImmediate},
		KillTimeout: 5 * time.Second,
	}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	require.NoError(t, sup.Release(l))

	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, sup.Sweep().Killed)
	assert.Equal(t, 0, sup.Sweep().Killed, "SIGKILL is sent once")
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, sp.handle(l.Pid).got())
}

func TestIdlePolicyValidate(t *testing.T) {
	assert.NoError(t, IdlePolicy{Kind: IdleNever}.Validate())
	assert.NoError(t, IdlePolicy{Kind: IdleImmediate}.Validate())
	assert.NoError(t, IdlePolicy{Kind: IdleGrace, Timeout: time.Second}.Validate())
	assert.Error(t, IdlePolicy{Kind: IdleGrace}.Validate())
	assert.Error(t, IdlePolicy{Kind: "sometimes"}.Validate())

	_, err := New(Config{Idle: IdlePolicy{Kind: "bogus"}}, newFakeSpawner(), nil)
	assert.Error(t, err)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestShutdownTerminatesBackends(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{TerminateOnShutdown: true}, sp)
	sp.onSignal = func(pid int, sig os.Signal) {
		go sup.OnChildExit(reaper.ExitStatus{Pid: pid, Signal: sig.(syscall.Signal)})
	}

	_, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	_, err = sup.Acquire(context.Background(), user(2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	assert.Empty(t, sup.Snapshot())

	_, err = sup.Acquire(context.Background(), user(1))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownKillsStragglers(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{TerminateOnShutdown: true}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, sp.handle(l.Pid).got())
}

func TestShutdownLeavesBackendsWhenConfigured(t *testing.T) {
	sp := newFakeSpawner()
	sup, _ := newTestSupervisor(t, Config{TerminateOnShutdown: false}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)

	require.NoError(t, sup.Shutdown(context.Background()))
	assert.Empty(t, sp.handle(l.Pid).got())
}

// ============================================================================
// Sweeper Tests
// ============================================================================

func TestSweeperLifecycle(t *testing.T) {
	sp := newFakeSpawner()
	sup, clock := newTestSupervisor(t, Config{Idle: IdlePolicy{Kind: IdleGrace, Timeout: time.Second}}, sp)

	l, err := sup.Acquire(context.Background(), user(1))
	require.NoError(t, err)
	require.NoError(t, sup.Release(l))
	clock.Advance(2 * time.Second)

	w := NewSweeper(sup, 10*time.Millisecond)
	w.Start()
	w.Start()

	require.Eventually(t, func() bool {
		return len(sp.handle(l.Pid).got()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}

func TestSweeperStopWithoutStart(t *testing.T) {
	sup, _ := newTestSupervisor(t, Config{}, newFakeSpawner())
	w := NewSweeper(sup, time.Second)
	assert.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, 0, w.RunNow().Terminated)
}
