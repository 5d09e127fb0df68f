package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/pkg/psktls"
)

// Validate checks the configuration for errors.
//
// Struct tags (oneof, min/max, gte/lte) are enforced by the validator;
// cross-field rules that tags cannot express are checked explicitly below.
// Call after ApplyDefaults so zero values have been filled in.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Telemetry needs a collector to export to.
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry is enabled but no endpoint is configured")
	}

	if err := cfg.Server.Validate(); err != nil {
		return err
	}

	if cfg.Keystore.Path == "" {
		return fmt.Errorf("keystore path is required")
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	// The sim section is optional, but what is set must be coherent so
	// scp81sim fails at load time instead of mid-handshake.
	if cfg.Sim.KeyHex != "" {
		key, err := hexutil.Decode(cfg.Sim.KeyHex)
		if err != nil {
			return fmt.Errorf("invalid sim key: %w", err)
		}
		if err := psktls.ValidateKey(key); err != nil {
			return fmt.Errorf("invalid sim key: %w", err)
		}
	}
	for _, s := range cfg.Sim.Behaviour.ErrorSWs {
		if _, err := ParseSW(s); err != nil {
			return fmt.Errorf("invalid sim behaviour: %w", err)
		}
	}

	return nil
}
