package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newDeleteCommand creates the delete command
func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <namespace/name>",
		Short: "Delete an entity instance",
		Long: `Tear down the resource behind a stored instance.

This command:
  - Evaluates admission policies for the delete verb
  - Releases adopted resources instead of destroying them
  - Treats an already-missing resource as a successful delete
  - Removes the instance record while keeping its history`,
		Example: `  # Delete by full reference
  moor delete team-a/postgres-main

  # Delete from the default namespace
  moor delete postgres-main`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := r.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}

			log.Info().Str("entity", args[0]).Msg("Entity deleted")
			fmt.Printf("%s deleted\n", args[0])
			return nil
		},
	}

	return cmd
}
