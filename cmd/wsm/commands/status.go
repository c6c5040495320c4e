package commands

import (
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Long: `Show a run's status, its stages and the error that failed it, if any.

A failed run lists the stage that failed and, for conflicts, every conflict.`,
		Example: `  wsm status 6f1c0c9e-2d5e-4c8b-9d43-0c1f5b0e7a10
  wsm status bucket-1 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			rep, err := client.status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}

	return cmd
}
