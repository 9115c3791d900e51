// Package commands implements the moor CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/runner"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// buildInfo is stamped by Execute so every command reports the
	// same artifact identity.
	buildInfo runner.BuildInfo
)

// Execute runs the root command with the given context
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildInfo = runner.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    buildDate,
	}

	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand creates the root cobra command
func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moor",
		Short: "Moor - Entity Lifecycle Engine",
		Long: `Moor drives cloud resources through a uniform entity lifecycle.

Features:
  - Declarative YAML definitions, one file per entity instance
  - Create, update and delete with fingerprint-based update skipping
  - Adoption of pre-existing resources instead of conflict failures
  - Readiness and liveness probes with bounded polling
  - Rego admission policies evaluated before every mutating verb
  - SQLite-backed instance records, invocation journal and event log`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newReadyCommand())
	rootCmd.AddCommand(newAliveCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newInvokeCommand())
	rootCmd.AddCommand(newManifestCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
