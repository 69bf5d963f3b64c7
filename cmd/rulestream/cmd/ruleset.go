package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandonleejacobs/rulestream/internal/core/api"
)

var rulesetCmd = &cobra.Command{
	Use:   "ruleset",
	Short: "Propose and inspect rule sets through the admin service",
}

var rulesetProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Validate and activate a rule set from a JSON file",
	Long: `Propose a rule set. The file holds {"subject", "rules": [...]}; --subject overrides the file.
Every rule is validated against the latest schema of the subject. A rejected proposal lists all issues and leaves the active version unchanged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		subject, _ := cmd.Flags().GetString("subject")

		var req api.ProposeRuleSetRequest
		if err := readJSONFile(path, &req); err != nil {
			return err
		}
		if subject != "" {
			req.Subject = subject
		}

		client, closeConn, err := adminClient()
		if err != nil {
			return err
		}
		defer closeConn()

		resp, err := client.ProposeRuleSet(cmd.Context(), &req)
		if err != nil {
			return err
		}
		return reportActivation(cmd, req.Subject, resp)
	},
}

var rulesetReactivateCmd = &cobra.Command{
	Use:   "reactivate",
	Short: "Activate the rules of a stored version as a new version",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		version, _ := cmd.Flags().GetInt64("version")

		client, closeConn, err := adminClient()
		if err != nil {
			return err
		}
		defer closeConn()

		resp, err := client.ReactivateRuleSet(cmd.Context(), &api.ReactivateRuleSetRequest{Subject: subject, Version: version})
		if err != nil {
			return err
		}
		return reportActivation(cmd, subject, resp)
	},
}

func reportActivation(cmd *cobra.Command, subject string, resp *api.ProposeRuleSetResponse) error {
	if resp.Accepted {
		fmt.Fprintf(cmd.OutOrStdout(), "rule set %s v%d active\n", subject, resp.Version)
		return nil
	}
	for _, issue := range resp.Errors {
		if len(issue.RuleIDs) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "  [%s] %s\n", strings.Join(issue.RuleIDs, ", "), issue.Message)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", issue.Message)
		}
	}
	return fmt.Errorf("rule set rejected with %d issue(s)", len(resp.Errors))
}

var rulesetGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the active rule set of a subject",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")

		client, closeConn, err := adminClient()
		if err != nil {
			return err
		}
		defer closeConn()

		resp, err := client.GetActiveRuleSet(cmd.Context(), &api.GetActiveRuleSetRequest{Subject: subject})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp.RuleSet)
	},
}

var rulesetVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List the stored versions of a subject's rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")

		client, closeConn, err := adminClient()
		if err != nil {
			return err
		}
		defer closeConn()

		resp, err := client.ListRuleSetVersions(cmd.Context(), &api.ListRuleSetVersionsRequest{Subject: subject})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, v := range resp.Versions {
			marker := " "
			if v.Active {
				marker = "*"
			}
			fmt.Fprintf(out, "%s v%-6d schema v%-4d %4d rules  %s\n",
				marker, v.Version, v.SchemaVersion, v.RuleCount, v.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

func init() {
	rulesetProposeCmd.Flags().StringP("file", "f", "-", "rule set JSON file (- for stdin)")
	rulesetProposeCmd.Flags().String("subject", "", "subject name (overrides the file)")

	for _, c := range []*cobra.Command{rulesetGetCmd, rulesetVersionsCmd, rulesetReactivateCmd} {
		c.Flags().String("subject", "", "subject name")
		_ = c.MarkFlagRequired("subject")
	}
	rulesetReactivateCmd.Flags().Int64("version", 0, "stored version to reactivate")
	_ = rulesetReactivateCmd.MarkFlagRequired("version")

	rulesetCmd.AddCommand(rulesetProposeCmd, rulesetReactivateCmd, rulesetGetCmd, rulesetVersionsCmd)
	rootCmd.AddCommand(rulesetCmd)
}
