package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample scp81d configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/scp81/config.yaml
together with an empty keystore file next to it. Use --config to specify a
custom path. Existing keystore files are never overwritten.

Examples:
  # Initialize with default location
  scp81d init

  # Initialize with custom path
  scp81d init --config /etc/scp81/config.yaml

  # Force overwrite existing config
  scp81d init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Provision a card identity: scp81d keys add TEST_UICC_001")
	fmt.Println("  2. Start the server with: scp81d start")
	fmt.Printf("  3. Or specify custom config: scp81d start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  The debug cipher tier includes NULL-encryption suites for wire")
	fmt.Println("  inspection. Leave cipher_tier at \"production\" for anything that")
	fmt.Println("  is not a lab capture session.")

	return nil
}
