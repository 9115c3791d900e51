package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/runner"
)

// newApplyCommand creates the apply command
func newApplyCommand() *cobra.Command {
	var (
		file string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update an entity from a definition file",
		Long: `Converge on a definition regardless of whether the instance exists.

This command:
  - Creates the instance when no live record is stored
  - Updates the instance when a record already exists
  - Treats deleted records as gone and recreates the resource
  - Optionally blocks until the instance reports ready`,
		Example: `  # Converge a single definition
  moor apply -f postgres.yaml

  # Converge and block until the resource is ready
  moor apply -f postgres.yaml --wait`,
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

			verb, inst, err := r.Apply(cmd.Context(), def, wait)
			if err != nil {
				return err
			}

			log.Info().
				Str("entity", inst.Ref()).
				Str("type", inst.Type).
				Str("verb", string(verb)).
				Str("status", string(inst.Status)).
				Msg("Entity applied")

			if jsonOutput {
				return printJSON(inst)
			}
			fmt.Printf("%s: %s (%s)\n", verb, inst.Ref(), inst.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file path")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the instance reports ready")
	cmd.MarkFlagRequired("file")

	return cmd
}
