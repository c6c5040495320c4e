package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/wsm/pkg/api"
	"github.com/openfroyo/wsm/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		paramsFile string
		params     []string
		runID      string
		wait       bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <operation>",
		Short: "Submit a run",
		Long: `Submit a run of an operation to the server.

Operations:
  create-workspace, delete-workspace,
  create-cloud-context, delete-cloud-context,
  create-controlled-resource, create-referenced-resource,
  update-resource, delete-resource, clone-resource,
  merge-policy, link-policy

Parameters come from a YAML or JSON file and --param overrides. Values given
with --param are parsed as YAML scalars, so true and 10 keep their types.
Resubmitting with the same --run-id does not start a second run.`,
		Example: `  # Create a workspace and wait for it
  wsm submit create-workspace --param display_name=analytics --param actor=alice@example.com --wait

  # Create a bucket from a parameter file
  wsm submit create-controlled-resource --params bucket.yaml --run-id bucket-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := engine.OperationType(args[0])
			if err := op.Validate(); err != nil {
				return err
			}

			body, err := buildParams(paramsFile, params)
			if err != nil {
				return err
			}

			client, err := newAPIClient()
			if err != nil {
				return err
			}
			id, created, err := client.submit(cmd.Context(), api.SubmitRunRequest{
				Operation: string(op),
				Params:    body,
				RunID:     runID,
			})
			if err != nil {
				return err
			}

			log.Debug().Str("run_id", id).Bool("created", created).Msg("Run submitted")
			if !wait {
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), api.SubmitRunResponse{RunID: id})
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Submitted run %s\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Run %s already exists\n", id)
				}
				return nil
			}

			rep, err := client.wait(cmd.Context(), id, interval)
			if err != nil {
				return err
			}
			if err := printReport(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.Status != engine.RunStatusSuccess {
				return fmt.Errorf("run %s finished %s", id, rep.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "params", "f", "", "parameter file (YAML or JSON)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter override (key=value)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the run to finish and print its report")
	cmd.Flags().DurationVar(&interval, "poll-interval", time.Second, "status poll interval with --wait")

	return cmd
}

// buildParams merges the parameter file with key=value overrides into JSON.
func buildParams(path string, overrides []string) (json.RawMessage, error) {
	params := map[string]interface{}{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read params: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse params %s: %w", path, err)
		}
	}

	for _, kv := range overrides {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		params[key] = value
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return data, nil
}
