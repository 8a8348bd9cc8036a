package commands

import (
	"fmt"

	"github.com/marmos91/diodctl/internal/logger"
	"github.com/marmos91/diodctl/pkg/config"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	if err := logger.Init(config.CreateLoggerConfig(cfg)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
