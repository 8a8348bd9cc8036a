package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/diodctl/pkg/access"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Export paths are only checked for shape here. Whether they exist is
// decided when the export registry loads them.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	for i, addr := range cfg.Listen {
		if err := validateHostPort(addr); err != nil {
			return fmt.Errorf("listen[%d]: %w", i, err)
		}
	}

	for i, pattern := range cfg.Access.AllowedClients {
		if _, err := access.ParsePattern(pattern); err != nil {
			return fmt.Errorf("access.allowed_clients[%d]: %w", i, err)
		}
	}
	for i, pattern := range cfg.Access.DeniedClients {
		if _, err := access.ParsePattern(pattern); err != nil {
			return fmt.Errorf("access.denied_clients[%d]: %w", i, err)
		}
	}

	if _, err := CreateIdlePolicy(&cfg.Supervisor.IdlePolicy); err != nil {
		return fmt.Errorf("supervisor.idle_policy: %w", err)
	}

	if cfg.Backend.SpawnRate > 0 && cfg.Backend.SpawnBurst == 0 {
		return fmt.Errorf("backend: spawn_burst must be set when spawn_rate is set")
	}

	return nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
