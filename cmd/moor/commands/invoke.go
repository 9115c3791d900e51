package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmoor/moor/pkg/entity"
)

// newInvokeCommand creates the invoke command
func newInvokeCommand() *cobra.Command {
	var actionArgs []string

	cmd := &cobra.Command{
		Use:   "invoke <namespace/name> <action>",
		Short: "Invoke a type-specific action on an instance",
		Long: `Run one of the custom actions an entity type declares.

Actions are free-form verbs beyond the shared lifecycle, such as
snapshot or rotate-credentials. The manifest command lists the
actions each type supports. Arguments are passed as repeated
key=value pairs.`,
		Example: `  # Snapshot a database
  moor invoke team-a/postgres-main snapshot

  # Pass arguments to the action
  moor invoke team-a/postgres-main resize --arg size=large --arg confirm=yes`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, action := args[0], args[1]

			payload := make(map[string]any, len(actionArgs))
			for _, pair := range actionArgs {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return entity.NewInvalid(fmt.Sprintf("invalid action argument %q, expected key=value", pair), nil)
				}
				payload[key] = value
			}

			r, closeRuntime, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime()

			result, err := r.InvokeAction(cmd.Context(), ref, action, payload)
			if err != nil {
				return err
			}

			log.Info().
				Str("entity", ref).
				Str("action", action).
				Msg("Action invoked")

			if result == nil {
				fmt.Printf("%s: %s ok\n", ref, action)
				return nil
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringArrayVar(&actionArgs, "arg", nil, "action argument as key=value (repeatable)")

	return cmd
}
