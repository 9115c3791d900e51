package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newStartCommand creates the start command
func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <namespace/name>",
		Short: "Start a stopped or idle instance",
		Long: `Invoke the start hook of a ready instance.

Only types that implement the start capability accept this verb;
the manifest command shows which ones do.`,
		Example: `  moor start team-a/postgres-main`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := r.Start(cmd.Context(), args[0]); err != nil {
				return err
			}

			log.Info().Str("entity", args[0]).Msg("Entity started")
			fmt.Printf("%s started\n", args[0])
			return nil
		},
	}

	return cmd
}
