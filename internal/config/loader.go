package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig loads and validates the service configuration.
//
// Sequence:
//  1. Enforce UTC as the process timezone to prevent drift bugs; all period
//     arithmetic in this service assumes UTC.
//  2. Load a .env file if present (non-fatal if missing; existing environment
//     variables are never overridden).
//  3. Populate the Config struct via envconfig tags.
//  4. Validate the struct; any violation fails startup.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing environment configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return nil, fmt.Errorf("invalid configuration: %s", describeViolations(verrs))
		}
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// describeViolations renders validator errors as a compact field list so the
// startup failure message names every offending variable at once.
func describeViolations(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return msg
}
