package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/diodctl/pkg/config"
	"github.com/marmos91/diodctl/pkg/exports"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the diodctl configuration file.

Checks for syntax errors, missing required fields, and invalid values.
Problems that only matter on the target host, such as a missing export
directory or backend binary, are reported as warnings.

Examples:
  # Validate default config
  diodctl config validate

  # Validate specific config file
  diodctl config validate --config /etc/diodctl/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string

	if _, err := exports.Validate(cfg.Exports); err != nil {
		warnings = append(warnings, fmt.Sprintf("exports: %v", err))
	}
	if info, err := os.Stat(cfg.Backend.Path); err != nil {
		warnings = append(warnings, fmt.Sprintf("backend binary: %v", err))
	} else if info.Mode()&0111 == 0 {
		warnings = append(warnings, fmt.Sprintf("backend binary %s is not executable", cfg.Backend.Path))
	}
	if !cfg.Auth.Required {
		warnings = append(warnings, "auth.required is off - clients can claim any uid")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Listen:        %v\n", cfg.Listen)
	_, _ = fmt.Fprintf(out, "  Exports:       %v\n", cfg.Exports)
	_, _ = fmt.Fprintf(out, "  Backend:       %s\n", cfg.Backend.Path)
	_, _ = fmt.Fprintf(out, "  Idle policy:   %s\n", cfg.Supervisor.IdlePolicy.Type)
	_, _ = fmt.Fprintf(out, "  Log level:     %s\n", cfg.Logging.Level)

	return nil
}
