// Package keys implements PSK identity provisioning commands.
package keys

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/prompt"
	"github.com/cardbench/scp81/pkg/config"
	"github.com/cardbench/scp81/pkg/keystore"
)

// Cmd is the parent command for keystore provisioning.
var Cmd = &cobra.Command{
	Use:   "keys",
	Short: "PSK identity management",
	Long: `Provision the PSK identities cards authenticate with.

The commands edit the configured keystore directly. A running server with
keystore watch enabled picks up file changes without a restart; the badger
backend requires a restart after provisioning.

Key material never appears in listings or logs. 'keys add' prompts for the
key with masked input so it stays out of shell history.

Examples:
  # List provisioned identities
  scp81d keys list

  # Provision a new identity (prompts for the key)
  scp81d keys add TEST_UICC_001

  # Remove an identity
  scp81d keys remove TEST_UICC_001`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(addCmd)
	Cmd.AddCommand(removeCmd)
}

// keystoreConfig loads the configuration and returns its keystore section.
func keystoreConfig(cmd *cobra.Command) (config.KeystoreConfig, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return config.KeystoreConfig{}, err
	}
	return cfg.Keystore, nil
}

// readEntries loads the full key set, key material included, from the
// configured backend.
func readEntries(cfg config.KeystoreConfig) ([]keystore.Entry, error) {
	if cfg.Type == config.KeystoreTypeBadger {
		return keystore.ReadBadgerEntries(cfg.Path)
	}
	return keystore.ReadFileEntries(cfg.Path)
}

// writeEntries replaces the key set in the configured backend.
func writeEntries(cfg config.KeystoreConfig, entries []keystore.Entry) error {
	if cfg.Type == config.KeystoreTypeBadger {
		return keystore.WriteBadgerEntries(cfg.Path, entries)
	}
	return keystore.WriteFileEntries(cfg.Path, entries)
}

// handleAbort turns a prompt abort (Ctrl+C) into a clean exit.
func handleAbort(err error) error {
	if prompt.IsAborted(err) {
		fmt.Println("\nAborted.")
		return nil
	}
	return err
}
