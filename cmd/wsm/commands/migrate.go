package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/app"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the state store schema. serve migrates on start as well;
this command is for preparing a database ahead of a rollout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", store.Driver())
			return nil
		},
	}

	return cmd
}
