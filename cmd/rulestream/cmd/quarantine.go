package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sandonleejacobs/rulestream/internal/core/api"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect quarantined records",
}

var quarantineStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print quarantine totals of a subject by reason code",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")

		client, closeConn, err := adminClient()
		if err != nil {
			return err
		}
		defer closeConn()

		resp, err := client.GetQuarantineStats(cmd.Context(), &api.GetQuarantineStatsRequest{Subject: subject})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp.Stats)
	},
}

func init() {
	quarantineStatsCmd.Flags().String("subject", "", "subject name")
	_ = quarantineStatsCmd.MarkFlagRequired("subject")

	quarantineCmd.AddCommand(quarantineStatsCmd)
	rootCmd.AddCommand(quarantineCmd)
}
