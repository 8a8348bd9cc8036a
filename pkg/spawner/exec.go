package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/internal/ratelimiter"
	"github.com/marmos91/diodctl/pkg/identity"
)

// readyFD is the descriptor number of the readiness pipe in the child.
// ExtraFiles[0] always lands on fd 3.
const readyFD = 3

var (
	errHandshakeTimeout = errors.New("no port reported before timeout")
	errHandshakeEOF     = errors.New("backend closed readiness pipe without a port")
)

// Config configures how backends are started.
type Config struct {
	// Path of the backend binary.
	Path string

	// Args are appended after the generated arguments.
	Args []string

	// ListenHost is the address the backend binds, with port 0.
	ListenHost string

	// HandshakeTimeout bounds the wait for the port line.
	HandshakeTimeout time.Duration

	// ExitOnLastUse asks the backend to exit when its last client leaves.
	ExitOnLastUse bool

	// Output receives backend stdout and stderr. Empty discards them.
	Output string

	// SpawnRate and SpawnBurst throttle starts. SpawnRate 0 disables.
	SpawnRate  float64
	SpawnBurst int

	// AllowRoot permits a backend running as uid 0.
	AllowRoot bool
}

// ExportSource provides the export list handed to each backend.
type ExportSource interface {
	Paths() []string
}

// ExecSpawner starts backends with os/exec.
type ExecSpawner struct {
	cfg     Config
	exports ExportSource
	limiter *ratelimiter.RateLimiter

	// credentialFor resolves the credentials and environment of a uid.
	credentialFor func(uid uint32) (*syscall.Credential, []string, error)
}

// NewExecSpawner creates a spawner for cfg.
func NewExecSpawner(cfg Config, exports ExportSource) *ExecSpawner {
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &ExecSpawner{
		cfg:           cfg,
		exports:       exports,
		limiter:       ratelimiter.New(cfg.SpawnRate, cfg.SpawnBurst),
		credentialFor: lookupCredential,
	}
}

// lookupCredential resolves uid to its primary and supplementary groups.
func lookupCredential(uid uint32) (*syscall.Credential, []string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, nil, err
	}

	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("primary gid %q: %w", u.Gid, err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, nil, fmt.Errorf("supplementary groups: %w", err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		v, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(v))
	}

	env := []string{"HOME=" + u.HomeDir, "USER=" + u.Username, "LOGNAME=" + u.Username}
	return &syscall.Credential{Uid: uid, Gid: uint32(gid), Groups: groups}, env, nil
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, id identity.Identity) (*Process, error) {
	fail := func(stage Stage, err error) error {
		return &SpawnError{Stage: stage, UID: id.UID, Err: err}
	}

	if id.UID == 0 && !s.cfg.AllowRoot {
		logger.Warn("Refusing root backend", "uid", id.UID)
		return nil, fail(StageCredentials, ErrRootNotAllowed)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fail(StageThrottle, err)
	}

	cred, userEnv, err := s.credentialFor(id.UID)
	if err != nil {
		return nil, fail(StageCredentials, err)
	}

	readR, readW, err := os.Pipe()
	if err != nil {
		return nil, fail(StageExec, fmt.Errorf("readiness pipe: %w", err))
	}
	defer readR.Close()

	cmd := exec.Command(s.cfg.Path, s.buildArgs(id)...)
	cmd.Dir = "/"
	cmd.Env = s.buildEnv(userEnv)
	cmd.ExtraFiles = []*os.File{readW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:     true,
		Credential: cred,
	}

	var output *os.File
	if s.cfg.Output != "" {
		output, err = os.OpenFile(s.cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			readW.Close()
			return nil, fail(StageExec, fmt.Errorf("open backend output: %w", err))
		}
		cmd.Stdout = output
		cmd.Stderr = output
	}

	err = cmd.Start()
	readW.Close()
	if output != nil {
		output.Close()
	}
	if err != nil {
		return nil, fail(StageExec, err)
	}

	pid := cmd.Process.Pid
	logger.Debug("Backend started, waiting for port", "uid", id.UID, "pid", pid, "path", s.cfg.Path)

	port, err := s.handshake(ctx, readR)
	if err != nil {
		// The reaper collects the exit status.
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			logger.Warn("Failed to kill backend after handshake failure", "pid", pid, "error", kerr)
		}
		_ = cmd.Process.Release()
		return nil, fail(StageHandshake, err)
	}

	logger.Info("Backend ready", "uid", id.UID, "pid", pid, "port", port)
	return &Process{Pid: pid, Port: port, UID: id.UID, Handle: cmd.Process}, nil
}

// handshake reads one decimal port line from r.
func (s *ExecSpawner) handshake(ctx context.Context, r *os.File) (int, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		line, err := bufio.NewReaderSize(r, 64).ReadString('\n')
		done <- result{line, err}
	}()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		r.Close()
		return 0, errHandshakeTimeout
	case <-ctx.Done():
		r.Close()
		return 0, ctx.Err()
	}

	line := strings.TrimSpace(res.line)
	if line == "" {
		if res.err != nil && !errors.Is(res.err, os.ErrClosed) {
			return 0, fmt.Errorf("%w: %v", errHandshakeEOF, res.err)
		}
		return 0, errHandshakeEOF
	}

	port, err := strconv.Atoi(line)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", line)
	}
	return port, nil
}

func (s *ExecSpawner) buildArgs(id identity.Identity) []string {
	args := []string{
		"--foreground",
		"--listen", s.cfg.ListenHost + ":0",
		"--ready-fd", strconv.Itoa(readyFD),
		"--runas-uid", strconv.FormatUint(uint64(id.UID), 10),
	}
	if s.cfg.ExitOnLastUse {
		args = append(args, "--exit-on-lastuse")
	}
	if s.exports != nil {
		for _, p := range s.exports.Paths() {
			args = append(args, "--export", p)
		}
	}
	return append(args, s.cfg.Args...)
}

// passEnv lists daemon environment variables forwarded to backends.
var passEnv = []string{"PATH", "LANG", "LC_ALL", "TZ"}

func (s *ExecSpawner) buildEnv(userEnv []string) []string {
	env := make([]string, 0, len(passEnv)+len(userEnv)+1)
	for _, k := range passEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	env = append(env, userEnv...)
	return append(env, "DIOD_READY_FD="+strconv.Itoa(readyFD))
}
