package commands

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/api"
	"github.com/openfroyo/wsm/pkg/stores"
)

func newResourcesCommand() *cobra.Command {
	var (
		resourceType string
		platform     string
		states       []string
	)

	cmd := &cobra.Command{
		Use:   "resources <workspace-id>",
		Short: "List the resources of a workspace",
		Example: `  wsm resources ws-analytics
  wsm resources ws-analytics --type storage-bucket --state BROKEN`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			query := url.Values{}
			if resourceType != "" {
				query.Set("type", resourceType)
			}
			if platform != "" {
				query.Set("platform", platform)
			}
			for _, s := range states {
				query.Add("state", s)
			}

			var resources []*stores.Resource
			path := "/api/v1/workspaces/" + url.PathEscape(args[0]) + "/resources"
			if _, err := client.do(cmd.Context(), http.MethodGet, path, query, nil, &resources); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resources)
			}
			rows := make([][]string, 0, len(resources))
			for _, r := range resources {
				rows = append(rows, []string{
					r.ID,
					r.Name,
					r.ResourceType,
					string(r.Stewardship),
					r.CloudPlatform,
					orDash(r.Region),
					string(r.State),
					orDash(r.OwningRunID),
				})
			}
			return renderTable(cmd.OutOrStdout(),
				[]string{"ID", "Name", "Type", "Stewardship", "Platform", "Region", "State", "Owner"}, rows)
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "", "filter by resource type")
	cmd.Flags().StringVar(&platform, "platform", "", "filter by cloud platform")
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state")

	return cmd
}

func newActivityCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "activity <workspace-id>",
		Short:   "Show the change log of a workspace",
		Example: `  wsm activity ws-analytics -n 20`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var entries []*stores.ActivityEntry
			path := "/api/v1/workspaces/" + url.PathEscape(args[0]) + "/activity"
			query := url.Values{"limit": {strconv.Itoa(limit)}}
			if _, err := client.do(cmd.Context(), http.MethodGet, path, query, nil, &entries); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					formatTime(e.CreatedAt),
					e.ChangeType,
					e.ObjectType,
					e.ObjectID,
					e.Actor,
					e.RunID,
				})
			}
			return renderTable(cmd.OutOrStdout(), []string{"Time", "Change", "Type", "Object", "Actor", "Run"}, rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", api.DefaultListLimit, "maximum entries to show")

	return cmd
}
