package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/diodctl/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a diodctl configuration file holding the default values.

By default, the configuration file is created at $XDG_CONFIG_HOME/diodctl/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  diodctl config init

  # Initialize with custom path
  diodctl config init --config /etc/diodctl/config.yaml

  # Force overwrite existing config
  diodctl config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configFile, _ := cmd.Flags().GetString("config")

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. List the directories to export under 'exports'")
	_, _ = fmt.Fprintln(out, "  2. Check 'backend.path' points at the diod binary")
	_, _ = fmt.Fprintf(out, "  3. Start the daemon as root with: diodctl start --config %s\n", configPath)

	return nil
}
