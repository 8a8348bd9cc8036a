package commands

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/diodctl/internal/hostenv"
	"github.com/marmos91/diodctl/pkg/config"
)

// startDaemon re-executes the current command line in the foreground as
// the leader of a new session, inside the runtime directory. Console
// logging is redirected to syslog unless a destination was given.
func startDaemon(cmd *cobra.Command, cfg *config.Config) error {
	if err := hostenv.PrepareRunDir(cfg.Runtime.Dir); err != nil {
		return fmt.Errorf("failed to prepare runtime directory: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	child := exec.Command(executable, daemonArgs(cmd, os.Args[1:], cfg)...)
	child.Dir = cfg.Runtime.Dir
	child.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	pid := child.Process.Pid
	_ = child.Process.Release()

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "diodctl started in background (PID %d)\n", pid)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  Runtime dir: %s\n", cfg.Runtime.Dir)
	return nil
}

// daemonArgs builds the argument list of the detached process from the
// original one.
func daemonArgs(cmd *cobra.Command, args []string, cfg *config.Config) []string {
	out := append([]string(nil), args...)
	out = append(out, "--foreground")
	if !cmd.Flags().Changed("log-dest") && isConsole(cfg.Logging.Output) {
		out = append(out, "--log-dest", "syslog")
	}
	return out
}
