package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/runner"
)

// newCreateCommand creates the create command
func newCreateCommand() *cobra.Command {
	var (
		file string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity from a definition file",
		Long: `Create the resource a definition file describes.

This command:
  - Parses and validates the definition envelope
  - Evaluates admission policies for the create verb
  - Provisions the resource, or adopts a pre-existing one
  - Persists the instance record, invocation and events
  - Optionally blocks until the instance reports ready`,
		Example: `  # Create from a definition
  moor create -f postgres.yaml

  # Create and block until the resource is ready
  moor create -f postgres.yaml --wait`,
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

			inst, err := r.Create(cmd.Context(), def, wait)
			if err != nil {
				return err
			}

			log.Info().
				Str("entity", inst.Ref()).
				Str("type", inst.Type).
				Str("status", string(inst.Status)).
				Msg("Entity created")

			if jsonOutput {
				return printJSON(inst)
			}
			fmt.Printf("%s created (%s)\n", inst.Ref(), inst.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file path")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the instance reports ready")
	cmd.MarkFlagRequired("file")

	return cmd
}
