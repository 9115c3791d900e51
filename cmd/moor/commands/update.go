package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/runner"
)

// newUpdateCommand creates the update command
func newUpdateCommand() *cobra.Command {
	var (
		file string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an entity from a definition file",
		Long: `Reconcile an existing instance against a changed definition.

This command:
  - Parses the definition and loads the stored instance
  - Skips the provider entirely when the fingerprint is unchanged
  - Evaluates admission policies for the update verb
  - Persists the new definition, state and fingerprint
  - Optionally blocks until the instance reports ready`,
		Example: `  # Apply a changed definition to a live instance
  moor update -f postgres.yaml

  # Update and block until the resource is ready again
  moor update -f postgres.yaml --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := runner.LoadDefinitionFile(file)
			if err != nil {
				return err
			}

			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			inst, err := r.Update(cmd.Context(), def, wait)
			if err != nil {
				return err
			}

			log.Info().
				Str("entity", inst.Ref()).
				Str("type", inst.Type).
				Str("status", string(inst.Status)).
				Msg("Entity updated")

			if jsonOutput {
				return printJSON(inst)
			}
			fmt.Printf("%s updated (%s)\n", inst.Ref(), inst.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file path")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the instance reports ready")
	cmd.MarkFlagRequired("file")

	return cmd
}
