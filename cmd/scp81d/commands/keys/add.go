package keys

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/prompt"
	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/pkg/keystore"
	"github.com/cardbench/scp81/pkg/psktls"
)

var (
	addKeyHex     string
	addKeyVersion int
	addForce      bool
)

var addCmd = &cobra.Command{
	Use:   "add [identity]",
	Short: "Provision a PSK identity",
	Long: `Provision a PSK identity in the configured keystore.

The key is a 16 or 32 byte hex string. Without --key the command prompts
with masked input, which keeps key material out of shell history. An
existing identity is only replaced after confirmation (or with --force);
replacing rotates the key under the same identity.

Examples:
  # Provision interactively (recommended)
  scp81d keys add TEST_UICC_001

  # Provision with the key on the command line
  scp81d keys add TEST_UICC_001 --key 000102030405060708090A0B0C0D0E0F

  # Rotate an existing key without confirmation
  scp81d keys add TEST_UICC_001 --force --key-version 2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addKeyHex, "key", "", "Pre-shared key as hex (prompts if not provided)")
	addCmd.Flags().IntVar(&addKeyVersion, "key-version", 1, "Key version number")
	addCmd.Flags().BoolVarP(&addForce, "force", "f", false, "Replace an existing identity without confirmation")
}

// validateKeyHex rejects anything that does not decode to a permitted PSK.
func validateKeyHex(s string) error {
	key, err := hexutil.Decode(s)
	if err != nil {
		return err
	}
	return psktls.ValidateKey(key)
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := keystoreConfig(cmd)
	if err != nil {
		return err
	}

	var identity string
	if len(args) == 1 {
		identity = args[0]
	} else {
		identity, err = prompt.InputWithValidation("Identity", psktls.ValidateIdentity)
		if err != nil {
			return handleAbort(err)
		}
	}
	if err := psktls.ValidateIdentity(identity); err != nil {
		return err
	}

	keyHex := addKeyHex
	if keyHex == "" {
		keyHex, err = prompt.SecretWithValidation("Key (hex)", validateKeyHex)
		if err != nil {
			return handleAbort(err)
		}
	}
	key, err := hexutil.Decode(keyHex)
	if err != nil {
		return err
	}
	if err := psktls.ValidateKey(key); err != nil {
		return err
	}

	entries, err := readEntries(cfg)
	if err != nil {
		return err
	}

	entry := keystore.Entry{
		Identity:   identity,
		Key:        key,
		KeyVersion: addKeyVersion,
		CreatedAt:  time.Now().UTC(),
	}

	replaced := false
	for i, e := range entries {
		if e.Identity != identity {
			continue
		}
		ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Identity %q exists, replace its key", identity), addForce)
		if err != nil {
			return handleAbort(err)
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		entries[i] = entry
		replaced = true
		break
	}
	if !replaced {
		entries = append(entries, entry)
	}

	if err := writeEntries(cfg, entries); err != nil {
		return err
	}

	if replaced {
		fmt.Printf("Rotated key for %s (version %d)\n", identity, addKeyVersion)
	} else {
		fmt.Printf("Provisioned %s (version %d)\n", identity, addKeyVersion)
	}
	return nil
}
