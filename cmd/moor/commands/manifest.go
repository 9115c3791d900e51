package commands

import (
	"github.com/spf13/cobra"
)

// newManifestCommand creates the manifest command
func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the registered entity type catalog",
		Long: `Describe every entity type this build can drive.

Each entry lists the type's version, capabilities, custom actions
and, for types with a readiness checker, the normalized polling
policy. The default output is YAML; --json switches to JSON.`,
		Example: `  # Human-readable catalog
  moor manifest

  # Machine-readable catalog
  moor manifest --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			entries := r.Manifest()
			if jsonOutput {
				return printJSON(entries)
			}
			return printYAML(entries)
		},
	}

	return cmd
}
