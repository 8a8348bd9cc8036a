package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/diodctl/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults, the configuration file and
DIODCTL_* environment variables have been merged.

Examples:
  # Show the effective configuration
  diodctl config show

  # Show with an environment override applied
  DIODCTL_LOGGING_LEVEL=DEBUG diodctl config show`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadUnvalidated(configPath)
	if err != nil {
		return err
	}

	data, err := config.RenderConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	_, _ = cmd.OutOrStdout().Write(data)
	return nil
}
