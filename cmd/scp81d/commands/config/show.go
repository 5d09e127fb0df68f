package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/output"
	"github.com/cardbench/scp81/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the current scp81d configuration.

The configuration is printed after defaults and environment overrides are
applied, so the output is what the server would actually run with. A
configured simulator key is masked in the output.

By default outputs YAML format. Use --output to change format.

Examples:
  # Show default config as YAML
  scp81d config show

  # Show as JSON
  scp81d config show --output json

  # Show specific config file
  scp81d config show --config /etc/scp81/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	// Load configuration
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// A configured simulator key is masked before printing.
	if cfg.Sim.KeyHex != "" {
		cfg.Sim.KeyHex = "[redacted]"
	}

	// Parse output format
	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	// Print configuration
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, cfg)
	default:
		return output.PrintYAML(os.Stdout, cfg)
	}
}
