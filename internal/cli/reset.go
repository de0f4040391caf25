package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every local record and the sync checkpoint",
		Long: `Clear children, screening results, the outbox and the audit log,
and forget the last sync time. Unsynced changes are lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "reset deletes all local data; rerun with --yes to confirm")
			}
			out := formatter(rootOpts, cmd.OutOrStdout())

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Reset(commandContext(cmd)); err != nil {
				return WrapExitError(ExitFailure, "reset", out.Failure(err))
			}
			return out.Success(map[string]bool{"reset": true}, func(w io.Writer) {
				fmt.Fprintf(w, "Cleared local store in %s\n", a.Config.DataDir)
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
