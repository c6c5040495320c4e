package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the API server",
		Long: `Run the workspace manager service.

On start the store is migrated and every run left CREATED or RUNNING by a
previous process is resumed. The orphan janitor runs on its configured interval
and operator policy rules are reloaded when the policy directory changes.`,
		Example: `  wsm serve --config /etc/wsm/wsm.yaml
  WSM_SERVER_LISTEN_ADDRESS=0.0.0.0:8080 wsm serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			log.Info().
				Str("driver", cfg.Database.Driver).
				Str("listen", cfg.Server.ListenAddress).
				Int("workers", cfg.Engine.Workers).
				Msg("Starting workspace manager")
			return a.Serve(cmd.Context())
		},
	}

	return cmd
}
