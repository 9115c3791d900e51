package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newAliveCommand creates the alive command
func newAliveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alive <namespace/name>",
		Short: "Probe an instance for liveness",
		Long: `Run a single liveness probe against a live instance.

The exit code reflects the probe: 0 when the resource is still
alive, 1 when it is not. Types without a liveness checker always
report alive.`,
		Example: `  # Probe liveness, exit code carries the result
  moor alive team-a/postgres-main || moor delete team-a/postgres-main`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}

			alive, probeErr := r.Alive(cmd.Context(), args[0])
			closeRuntime()
			if probeErr != nil {
				return probeErr
			}

			if jsonOutput {
				_ = printJSON(map[string]any{"entity": args[0], "alive": alive})
			} else {
				fmt.Printf("%s alive: %v\n", args[0], alive)
			}

			// Exit code carries the probe result for scripts.
			if !alive {
				os.Exit(1)
			}
			return nil
		},
	}

	return cmd
}
