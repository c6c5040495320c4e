package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy rule management",
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <dir>",
		Short: "Compile operator rules without loading them",
		Long: `Load every .rego and .json rule under dir and compile it. Nothing is
changed; use this before dropping rules into a watched policy directory.`,
		Example: `  wsm policy check ./policies`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.NewLoader(log.Logger).LoadFromPaths([]string{args[0]})
			if err != nil {
				return err
			}
			if err := policy.Check(cmd.Context(), rules); err != nil {
				return err
			}
			return printRules(cmd, rules)
		},
	}

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builtin",
		Short: "List the builtin rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRules(cmd, policy.BuiltinRules())
		},
	}

	return cmd
}

func printRules(cmd *cobra.Command, rules []policy.Rule) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rules)
	}
	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, []string{
			r.Name,
			string(r.Severity),
			fmt.Sprintf("%t", r.Enabled),
			strings.TrimSpace(r.Description),
		})
	}
	if err := renderTable(cmd.OutOrStdout(), []string{"Rule", "Severity", "Enabled", "Description"}, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rules OK\n", len(rules))
	return nil
}
