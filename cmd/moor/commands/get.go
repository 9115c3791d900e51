package commands

import (
	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/stores"
)

// newGetCommand creates the get command
func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <namespace/name>",
		Short: "Show a stored entity instance",
		Long: `Fetch the stored record for one instance.

The default output is a one-row table; --json emits the full
record including the definition and provider state blobs.`,
		Example: `  # Table summary
  moor get team-a/postgres-main

  # Full record as JSON
  moor get team-a/postgres-main --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			rec, err := r.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rec)
			}
			printRecords([]*stores.EntityRecord{rec})
			return nil
		},
	}

	return cmd
}
