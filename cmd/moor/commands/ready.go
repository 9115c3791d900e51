package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newReadyCommand creates the ready command
func newReadyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready <namespace/name>",
		Short: "Probe an instance for readiness",
		Long: `Run a single readiness probe against a live instance.

The exit code reflects the probe: 0 when the instance is ready,
1 when it is not. Types without a readiness checker always report
ready.`,
		Example: `  # Probe readiness, exit code carries the result
  moor ready team-a/postgres-main && echo up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}

			ready, probeErr := r.Ready(cmd.Context(), args[0])
			closeRuntime()
			if probeErr != nil {
				return probeErr
			}

			if jsonOutput {
				_ = printJSON(map[string]any{"entity": args[0], "ready": ready})
			} else {
				fmt.Printf("%s ready: %v\n", args[0], ready)
			}

			// Exit code carries the probe result for scripts.
			if !ready {
				os.Exit(1)
			}
			return nil
		},
	}

	return cmd
}
