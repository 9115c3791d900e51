package commands

import (
	"github.com/spf13/cobra"
)

// newWatchCommand creates the watch command
func newWatchCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile a directory of definition files",
		Long: `Watch a directory and converge every definition inside it.

This command:
  - Applies all existing definition files on startup
  - Applies files as they are written or changed, debounced
  - Skips provider calls when a fingerprint is unchanged
  - Runs until interrupted`,
		Example: `  # Keep a definitions directory converged
  moor watch --dir ./definitions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			return r.Watch(cmd.Context(), dir)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory of definition files")
	cmd.MarkFlagRequired("dir")

	return cmd
}
