package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/runner"
)

// newListCommand creates the list command
func newListCommand() *cobra.Command {
	var (
		namespace  string
		entityType string
		status     string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored entity instances",
		Long: `List the instance records the store holds.

Records are ordered by namespace and name. All filters are
optional and combine with AND semantics.`,
		Example: `  # Everything
  moor list

  # One namespace, one type
  moor list -n team-a -t postgres.server

  # Failed instances only, as JSON
  moor list -s failed --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			recs, err := r.List(cmd.Context(), runner.ListFilter{
				Namespace: namespace,
				Type:      entityType,
				Status:    status,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println("No entities found")
				return nil
			}
			printRecords(recs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "filter by namespace")
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "filter by entity type")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to return (0 = all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}
