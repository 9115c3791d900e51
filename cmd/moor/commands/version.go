package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCommand creates the version command
func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"built":   buildDate,
				})
			}
			fmt.Printf("moor %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", buildDate)
			return nil
		},
	}

	return cmd
}
