package keys

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardbench/scp81/internal/cli/output"
	"github.com/cardbench/scp81/internal/cli/timeutil"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned identities",
	Long: `List the PSK identities in the configured keystore.

Key material is never shown; the listing carries the key size so operators
can tell AES-128 from AES-256 entries.

Examples:
  # List identities as table
  scp81d keys list

  # List as JSON
  scp81d keys list -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// identityRow is one keystore entry with the key reduced to its size.
type identityRow struct {
	Identity   string `json:"identity" yaml:"identity"`
	KeyBits    int    `json:"key_bits" yaml:"key_bits"`
	KeyVersion int    `json:"key_version" yaml:"key_version"`
	Age        string `json:"age" yaml:"age"`
}

// identityList renders the rows as a table.
type identityList []identityRow

// Headers implements TableRenderer.
func (il identityList) Headers() []string {
	return []string{"IDENTITY", "KEY", "VERSION", "AGE"}
}

// Rows implements TableRenderer.
func (il identityList) Rows() [][]string {
	rows := make([][]string, 0, len(il))
	for _, r := range il {
		rows = append(rows, []string{
			r.Identity,
			fmt.Sprintf("AES-%d", r.KeyBits),
			fmt.Sprintf("%d", r.KeyVersion),
			r.Age,
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(listOutput)
	if err != nil {
		return err
	}

	cfg, err := keystoreConfig(cmd)
	if err != nil {
		return err
	}

	entries, err := readEntries(cfg)
	if err != nil {
		return err
	}

	rows := make(identityList, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, identityRow{
			Identity:   e.Identity,
			KeyBits:    len(e.Key) * 8,
			KeyVersion: e.KeyVersion,
			Age:        timeutil.FormatAge(e.CreatedAt),
		})
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, rows)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, rows)
	default:
		if len(rows) == 0 {
			fmt.Println("No identities provisioned.")
			return nil
		}
		return output.PrintTable(os.Stdout, rows)
	}
}
