package keys

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/prompt"
)

var removeForce bool

var removeCmd = &cobra.Command{
	Use:   "remove [identity]",
	Short: "Remove a provisioned identity",
	Long: `Remove a PSK identity from the configured keystore.

Without an argument the command offers a picker over the provisioned
identities. You will be prompted for confirmation unless --force is
specified. Removal does not end live sessions; it only prevents new
handshakes with that identity.

Examples:
  # Remove with picker and confirmation
  scp81d keys remove

  # Remove a named identity without confirmation
  scp81d keys remove TEST_UICC_001 --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "Skip confirmation prompt")
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := keystoreConfig(cmd)
	if err != nil {
		return err
	}

	entries, err := readEntries(cfg)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No identities provisioned.")
		return nil
	}

	var identity string
	if len(args) == 1 {
		identity = args[0]
	} else {
		identities := make([]string, len(entries))
		for i, e := range entries {
			identities[i] = e.Identity
		}
		identity, err = prompt.SelectString("Identity to remove", identities)
		if err != nil {
			return handleAbort(err)
		}
	}

	idx := -1
	for i, e := range entries {
		if e.Identity == identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("identity %q is not provisioned", identity)
	}

	ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Remove identity %q", identity), removeForce)
	if err != nil {
		return handleAbort(err)
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	entries = append(entries[:idx], entries[idx+1:]...)
	if err := writeEntries(cfg, entries); err != nil {
		return err
	}

	fmt.Printf("Removed %s\n", identity)
	return nil
}
