package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/diodctl/pkg/client"
	"github.com/marmos91/diodctl/pkg/config"
)

var (
	queryAddr    string
	queryUID     uint32
	queryGID     uint32
	queryAname   string
	queryNoAuth  bool
	queryTimeout time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a running diodctl daemon",
	Long: `Query a running diodctl daemon through its control file system.

Examples:
  # List the exports
  diodctl query exports --addr server:564

  # Get the port of the diod server of uid 1000 for /home
  diodctl query server --addr server:564 --uid 1000 --aname /home`,
}

var queryExportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List the exported paths",
	Args:  cobra.NoArgs,
	RunE:  runQueryExports,
}

var queryServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Print the port of the per-user diod server",
	Long: `Print the port of the diod server running as the given uid,
starting it if needed.

The server is released when this command exits, so depending on the idle
policy it may be stopped right away.`,
	Args: cobra.NoArgs,
	RunE: runQueryServer,
}

func init() {
	pf := queryCmd.PersistentFlags()
	pf.StringVar(&queryAddr, "addr", defaultQueryAddr(), "Control server address (HOST:PORT)")
	pf.Uint32Var(&queryUID, "uid", uint32(os.Getuid()), "User id to attach as")
	pf.Uint32Var(&queryGID, "gid", uint32(os.Getgid()), "Group id of the credential")
	pf.BoolVar(&queryNoAuth, "no-auth", false, "Send AUTH_NULL instead of AUTH_UNIX credentials")
	pf.DurationVar(&queryTimeout, "timeout", 30*time.Second, "Request timeout")

	queryServerCmd.Flags().StringVar(&queryAname, "aname", "", "Export the server will be used for")

	queryCmd.AddCommand(queryExportsCmd)
	queryCmd.AddCommand(queryServerCmd)
}

// dialQuery connects to the daemon with the query flags.
func dialQuery(ctx context.Context) (*client.Client, error) {
	return client.Dial(ctx, queryAddr, client.Options{
		UID:  queryUID,
		GID:  queryGID,
		Auth: !queryNoAuth,
	})
}

func runQueryExports(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
	defer cancel()

	c, err := dialQuery(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	paths, err := c.Exports(ctx)
	if err != nil {
		return fmt.Errorf("failed to read exports: %w", err)
	}
	for _, p := range paths {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func runQueryServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
	defer cancel()

	c, err := dialQuery(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	port, err := c.ServerPort(ctx, queryAname)
	if err != nil {
		return fmt.Errorf("failed to get server port: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), port)
	return nil
}

// defaultQueryAddr is the default listen port on the local host.
func defaultQueryAddr() string {
	_, port, err := net.SplitHostPort(config.DefaultListen)
	if err != nil {
		return config.DefaultListen
	}
	return net.JoinHostPort("localhost", port)
}
