package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/uds"
)

func decisionCmd(use, short, command, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			var res uds.DecisionResult
			if err := client.Call(command, uds.DecisionParams{JobID: args[0]}, &res); err != nil {
				return err
			}
			if res.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was already decided\n", args[0])
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(
		decisionCmd("approve", "Approve a job waiting at the approval gate", uds.CmdApprove, "approved"),
		decisionCmd("reject", "Reject a job waiting at the approval gate", uds.CmdReject, "rejected"),
	)
}
