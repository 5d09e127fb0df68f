package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/pkg/config"
	"github.com/cardbench/scp81/pkg/server"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the scp81d configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  scp81d config validate

  # Validate specific config file
  scp81d config validate --config /etc/scp81/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	// Load and validate configuration
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Additional validation checks
	var warnings []string

	if cfg.Server.CipherTier == server.TierDebug {
		warnings = append(warnings, "debug cipher tier enables NULL-encryption suites; do not expose to real cards")
	}
	if !cfg.Keystore.Watch && cfg.Keystore.Type == config.KeystoreTypeFile {
		warnings = append(warnings, "keystore watch disabled - key changes require a restart")
	}
	if cfg.Sim.KeyHex != "" {
		warnings = append(warnings, "sim key material is stored in the config file - prefer SCP81_SIM_KEY_HEX")
	}

	// Print results
	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Admin listener:  %s:%d (%s tier)\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.CipherTier)
	fmt.Printf("  Keystore:        %s (%s)\n", cfg.Keystore.Path, cfg.Keystore.Type)
	fmt.Printf("  Database type:   %s\n", cfg.Database.Type)
	fmt.Printf("  Facade port:     %d\n", cfg.API.Port)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
