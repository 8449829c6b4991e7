package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/uds"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the daemon and every resident process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		if err := client.Call(uds.CmdShutdown, nil, nil); err != nil {
			return err
		}
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if err := client.Call(uds.CmdPing, nil, nil); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("daemon still answering after 30s")
	},
}

func init() {
	rootCmd.AddCommand(downCmd)
}
