package commands

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/api"
)

func newRunsCommand() *cobra.Command {
	var (
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		Long:  `List runs, newest first, optionally filtered by status.`,
		Example: `  # Runs still in flight
  wsm runs --status CREATED --status RUNNING

  # Failed runs
  wsm runs --status ERROR --status FATAL`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			query := url.Values{"limit": {strconv.Itoa(limit)}}
			for _, s := range statuses {
				query.Add("status", s)
			}
			var runs []api.RunSummary
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/runs", query, nil, &runs); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.RunID,
					string(r.Operation),
					string(r.Status),
					orDash(r.Stage),
					orDash(r.ErrorCode),
					formatTime(r.CreatedAt),
				})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Run", "Operation", "Status", "Stage", "Error", "Created"}, rows)
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (CREATED, RUNNING, SUCCESS, ERROR, FATAL)")
	cmd.Flags().IntVarP(&limit, "limit", "n", api.DefaultListLimit, "maximum runs to list")

	return cmd
}
