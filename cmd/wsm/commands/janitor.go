package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/app"
	"github.com/openfroyo/wsm/pkg/flights"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

func newJanitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Mark orphaned rows BROKEN once",
		Long: `Run one janitor sweep. A workspace, cloud context or resource is orphaned
when it is in an in-progress state and the run owning it is missing or
finished. Orphans are marked BROKEN and left for an operator to delete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())

			store, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			marked, err := flights.NewJanitor(store, tel, cfg.Janitor.Interval).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int{"marked": marked})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d orphaned rows BROKEN\n", marked)
			return nil
		},
	}

	return cmd
}
