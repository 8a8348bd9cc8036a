// Package supervisor keeps at most one backend file server per user.
//
// The first acquire for a user starts a backend; concurrent acquires for the
// same user wait for that single spawn and share its outcome. Each
// successful acquire returns a Lease which must be released exactly once.
// Exits are reported by the reaper through OnChildExit, which is the only
// way a backend leaves the Running or Stopping state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/identity"
	"github.com/marmos91/diodctl/pkg/metrics"
	"github.com/marmos91/diodctl/pkg/reaper"
	"github.com/marmos91/diodctl/pkg/spawner"
)

var (
	// ErrBackendExited is returned to waiters whose backend died before
	// they could use it.
	ErrBackendExited = errors.New("backend exited")

	// ErrNotAcquired is returned when a lease is released twice.
	ErrNotAcquired = errors.New("lease not held")

	// ErrShutdown is returned once Shutdown has started.
	ErrShutdown = errors.New("supervisor is shutting down")
)

// State of a backend record.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config configures a Supervisor.
type Config struct {
	// SpawnTimeout bounds one spawn, handshake included. The spawn runs on
	// its own context so a departing client cannot cancel it for others.
	SpawnTimeout time.Duration

	// KillTimeout is how long a terminated backend may take before SIGKILL.
	KillTimeout time.Duration

	// ParkTTL is how long an exit for an unknown pid is remembered.
	ParkTTL time.Duration

	// Idle is the teardown policy for unused backends.
	Idle IdlePolicy

	// TerminateOnShutdown stops every backend when the daemon stops.
	TerminateOnShutdown bool
}

func (c *Config) applyDefaults() {
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 30 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = 10 * time.Second
	}
	if c.ParkTTL <= 0 {
		c.ParkTTL = 30 * time.Second
	}
	if c.Idle.Kind == "" {
		c.Idle.Kind = IdleNever
	}
}

// Lease is one control handle's claim on a running backend.
type Lease struct {
	UID  uint32
	Port int
	Pid  int

	gen      uint64
	released bool
}

type record struct {
	uid   uint32
	gen   uint64
	state State
	proc  *spawner.Process
	port  int
	refs  int
	err   error

	// waiters counts Acquire calls blocked on ready. A successful spawn
	// turns them into refs in the same step that makes the record Running.
	waiters int

	// ready is closed when a Pending record resolves; exited when the
	// record reaches Dead.
	ready  chan struct{}
	exited chan struct{}

	startedAt time.Time
	idleSince time.Time
	stopSince time.Time
	killed    bool
}

// Supervisor is the per-user backend registry.
type Supervisor struct {
	cfg     Config
	spawner spawner.Spawner
	metrics metrics.SupervisorMetrics

	mu      sync.Mutex
	byUID   map[uint32]*record
	byPid   map[int]*record
	parked  map[int]parkedExit
	nextGen uint64
	closed  bool

	spawns sync.WaitGroup
	now    func() time.Time
}

type parkedExit struct {
	status reaper.ExitStatus
	at     time.Time
}

// New creates a supervisor. m may be nil.
func New(cfg Config, sp spawner.Spawner, m metrics.SupervisorMetrics) (*Supervisor, error) {
	cfg.applyDefaults()
	if err := cfg.Idle.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoopSupervisorMetrics()
	}
	return &Supervisor{
		cfg:     cfg,
		spawner: sp,
		metrics: m,
		byUID:   make(map[uint32]*record),
		byPid:   make(map[int]*record),
		parked:  make(map[int]parkedExit),
		now:     time.Now,
	}, nil
}

// Acquire returns a lease on the running backend of id.UID, starting one if
// needed. It blocks while a spawn for that user is in progress. Cancelling
// ctx abandons the wait without touching the refcount or the spawn.
func (s *Supervisor) Acquire(ctx context.Context, id identity.Identity) (*Lease, error) {
	outcome := "running"

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.metrics.RecordAcquire("error")
			return nil, ErrShutdown
		}

		rec := s.byUID[id.UID]
		if rec == nil {
			rec = s.startSpawnLocked(id)
			outcome = "spawned"
		}

		switch rec.state {
		case StateRunning:
			lease := s.leaseLocked(rec)
			s.mu.Unlock()
			s.metrics.RecordAcquire(outcome)
			return lease, nil

		case StatePending:
			ready := rec.ready
			rec.waiters++
			s.mu.Unlock()
			if outcome == "running" {
				outcome = "waited"
			}

			select {
			case <-ready:
			case <-ctx.Done():
				s.abandonWait(rec)
				s.metrics.RecordAcquire("cancelled")
				return nil, ctx.Err()
			}

			s.mu.Lock()
			switch {
			case rec.err != nil:
				err := rec.err
				s.mu.Unlock()
				s.metrics.RecordAcquire("error")
				return nil, err
			case rec.state == StateRunning:
				// The spawn already counted this waiter in refs.
				lease := &Lease{UID: rec.uid, Port: rec.port, Pid: rec.proc.Pid, gen: rec.gen}
				s.mu.Unlock()
				s.metrics.RecordAcquire(outcome)
				return lease, nil
			case rec.state == StateStopping:
				// Terminated before we woke up; wait for the exit and start over.
				s.mu.Unlock()
				continue
			default:
				s.mu.Unlock()
				s.metrics.RecordAcquire("error")
				return nil, ErrBackendExited
			}

		case StateStopping:
			exited := rec.exited
			s.mu.Unlock()

			select {
			case <-exited:
			case <-ctx.Done():
				s.metrics.RecordAcquire("cancelled")
				return nil, ctx.Err()
			}

		default:
			s.mu.Unlock()
			return nil, fmt.Errorf("backend for uid %d in unexpected state %s", id.UID, rec.state)
		}
	}
}

// abandonWait undoes the waiter registration of a cancelled Acquire. When
// the spawn resolved before the cancellation was seen, the ref it granted
// is given back like a released lease.
func (s *Supervisor) abandonWait(rec *record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-rec.ready:
	default:
		rec.waiters--
		return
	}

	if rec.err != nil || rec.state == StateDead {
		return
	}
	s.releaseLocked(&Lease{UID: rec.uid, gen: rec.gen})
}

func (s *Supervisor) startSpawnLocked(id identity.Identity) *record {
	s.nextGen++
	rec := &record{
		uid:    id.UID,
		gen:    s.nextGen,
		state:  StatePending,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.byUID[id.UID] = rec
	s.publishLocked()

	logger.Debug("Spawning backend", "uid", id.UID, "host", id.Host, "ip", id.IP, "generation", rec.gen)

	s.spawns.Add(1)
	go s.spawn(rec, id)
	return rec
}

func (s *Supervisor) spawn(rec *record, id identity.Identity) {
	defer s.spawns.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SpawnTimeout)
	defer cancel()

	start := s.now()
	proc, err := s.spawner.Spawn(ctx, id)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publishLocked()

	if err != nil {
		stage := "error"
		var serr *spawner.SpawnError
		if errors.As(err, &serr) {
			stage = string(serr.Stage)
		}
		s.metrics.RecordSpawn(elapsed, stage)
		logger.Error("Backend spawn failed", "uid", id.UID, "host", id.Host, "error", err)

		rec.err = err
		s.finishLocked(rec)
		return
	}
	s.metrics.RecordSpawn(elapsed, "success")

	rec.proc = proc
	// An exit parked before this spawn started belongs to an earlier
	// process that had the same pid.
	if p, parked := s.parked[proc.Pid]; parked {
		delete(s.parked, proc.Pid)
		if !p.at.Before(start) {
			logger.Warn("Backend exited before it was registered",
				"uid", id.UID, "pid", proc.Pid, "status", p.status.String())
			s.metrics.RecordExit(p.status.Clean())
			rec.err = ErrBackendExited
			s.finishLocked(rec)
			return
		}
	}

	s.byPid[proc.Pid] = rec
	rec.port = proc.Port
	rec.startedAt = s.now()
	rec.state = StateRunning

	waiters := rec.waiters
	rec.waiters = 0

	if s.closed {
		rec.err = ErrShutdown
		close(rec.ready)
		if s.cfg.TerminateOnShutdown {
			s.terminateLocked(rec, "shutdown")
		}
		return
	}

	// Every joined waiter holds a ref from here on, so the backend is never
	// idle between ready closing and the waiters waking. If they all gave
	// up, the idle policy still applies through the sweeper.
	rec.refs = waiters
	if waiters == 0 {
		rec.idleSince = s.now()
	}
	close(rec.ready)
}

// finishLocked moves a record to Dead, waking everyone waiting on it.
func (s *Supervisor) finishLocked(rec *record) {
	prev := rec.state
	rec.state = StateDead
	rec.port = 0
	if s.byUID[rec.uid] == rec {
		delete(s.byUID, rec.uid)
	}
	if rec.proc != nil {
		delete(s.byPid, rec.proc.Pid)
		_ = rec.proc.Release()
	}
	if prev == StatePending {
		close(rec.ready)
	}
	close(rec.exited)
}

func (s *Supervisor) leaseLocked(rec *record) *Lease {
	rec.refs++
	rec.idleSince = time.Time{}
	s.publishLocked()
	return &Lease{UID: rec.uid, Port: rec.port, Pid: rec.proc.Pid, gen: rec.gen}
}

// Release gives back a lease. Releasing a lease of a backend that has since
// exited is a no-op; releasing the same lease twice is ErrNotAcquired.
func (s *Supervisor) Release(lease *Lease) error {
	if lease == nil {
		return ErrNotAcquired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lease.released {
		return ErrNotAcquired
	}
	s.releaseLocked(lease)
	return nil
}

func (s *Supervisor) releaseLocked(lease *Lease) {
	lease.released = true

	rec := s.byUID[lease.UID]
	if rec == nil || rec.gen != lease.gen || rec.refs == 0 {
		logger.Debug("Release of stale lease ignored", "uid", lease.UID, "pid", lease.Pid)
		return
	}

	rec.refs--
	if rec.refs == 0 {
		s.idleLocked(rec)
	}
	s.publishLocked()
}

func (s *Supervisor) idleLocked(rec *record) {
	switch s.cfg.Idle.Kind {
	case IdleImmediate:
		s.terminateLocked(rec, "idle")
	case IdleGrace:
		rec.idleSince = s.now()
		logger.Debug("Backend idle", "uid", rec.uid, "pid", rec.proc.Pid, "grace", s.cfg.Idle.Timeout)
	}
}

// terminateLocked sends SIGTERM to a running backend. The record stays in
// the registry as Stopping until the reaper reports the exit.
func (s *Supervisor) terminateLocked(rec *record, reason string) {
	if rec.state != StateRunning {
		return
	}
	rec.state = StateStopping
	rec.stopSince = s.now()
	rec.idleSince = time.Time{}

	logger.Info("Terminating backend", "uid", rec.uid, "pid", rec.proc.Pid, "reason", reason)
	s.metrics.RecordTermination(reason)

	if err := rec.proc.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed, waiting for reaper", "pid", rec.proc.Pid, "error", err)
	}
}

// OnChildExit records a reaped child. It implements reaper.ExitHandler.
func (s *Supervisor) OnChildExit(st reaper.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byPid[st.Pid]
	if !ok {
		// A spawn may still be completing its handshake for this pid.
		s.parked[st.Pid] = parkedExit{status: st, at: s.now()}
		logger.Debug("Exit of unregistered child parked", "pid", st.Pid, "status", st.String())
		return
	}

	expected := rec.state == StateStopping
	refs := rec.refs
	s.finishLocked(rec)
	s.metrics.RecordExit(st.Clean())
	s.publishLocked()

	args := []any{"uid", rec.uid, "pid", st.Pid, "status", st.String(), "leases", refs}
	if st.Clean() || expected {
		logger.Info("Backend exited", args...)
	} else {
		logger.Warn("Backend exited unexpectedly", args...)
	}
}

// Shutdown refuses new acquires and, when configured, terminates every
// backend and waits for the reaper to collect them. Backends still alive
// when ctx ends are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true

	if !s.cfg.TerminateOnShutdown {
		n := len(s.byUID)
		s.mu.Unlock()
		logger.Info("Supervisor stopped, backends left running", "backends", n)
		return nil
	}

	var pending []chan struct{}
	for _, rec := range s.byUID {
		if rec.state == StateRunning {
			s.terminateLocked(rec, "shutdown")
		}
		pending = append(pending, rec.exited)
	}
	s.mu.Unlock()

	logger.Info("Terminating backends", "count", len(pending))

	spawnsDone := make(chan struct{})
	go func() {
		s.spawns.Wait()
		close(spawnsDone)
	}()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			s.killAll()
			return ctx.Err()
		}
	}

	select {
	case <-spawnsDone:
	case <-ctx.Done():
		s.killAll()
		return ctx.Err()
	}
	return nil
}

func (s *Supervisor) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.byPid {
		if rec.state == StateDead {
			continue
		}
		logger.Warn("Killing backend", "uid", rec.uid, "pid", rec.proc.Pid)
		s.metrics.RecordTermination("kill")
		_ = rec.proc.Signal(syscall.SIGKILL)
		rec.killed = true
	}
}

// RecordInfo is a point-in-time view of one backend.
type RecordInfo struct {
	UID        uint32
	State      State
	Pid        int
	Port       int
	Leases     int
	Generation uint64
	Uptime     time.Duration
	IdleFor    time.Duration
}

// Snapshot returns the current records ordered by nothing in particular.
func (s *Supervisor) Snapshot() []RecordInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]RecordInfo, 0, len(s.byUID))
	for _, rec := range s.byUID {
		info := RecordInfo{
			UID:        rec.uid,
			State:      rec.state,
			Port:       rec.port,
			Leases:     rec.refs,
			Generation: rec.gen,
		}
		if rec.proc != nil {
			info.Pid = rec.proc.Pid
		}
		if !rec.startedAt.IsZero() {
			info.Uptime = now.Sub(rec.startedAt)
		}
		if !rec.idleSince.IsZero() {
			info.IdleFor = now.Sub(rec.idleSince)
		}
		out = append(out, info)
	}
	return out
}

func (s *Supervisor) publishLocked() {
	counts := map[State]int{}
	leases := 0
	for _, rec := range s.byUID {
		counts[rec.state]++
		leases += rec.refs
	}
	for _, st := range []State{StatePending, StateRunning, StateStopping} {
		s.metrics.SetBackends(st.String(), counts[st])
	}
	s.metrics.SetLeases(leases)
}
