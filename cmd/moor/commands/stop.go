package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newStopCommand creates the stop command
func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <namespace/name>",
		Short: "Stop a running instance",
		Long: `Invoke the stop hook of a ready instance.

Stopping pauses the resource without releasing its identity; a
later start resumes it. Only types that implement the stop
capability accept this verb.`,
		Example: `  moor stop team-a/postgres-main`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			if err := r.Stop(cmd.Context(), args[0]); err != nil {
				return err
			}

			log.Info().Str("entity", args[0]).Msg("Entity stopped")
			fmt.Printf("%s stopped\n", args[0])
			return nil
		},
	}

	return cmd
}
