package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/uds"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var res uds.HistoryResult
		if err := client.Call(uds.CmdHistory, uds.HistoryParams{Limit: historyLimit}, &res); err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), res.Entries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries (0 for all)")
}

func printHistory(w io.Writer, entries []uds.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no finished jobs")
		return
	}
	for _, e := range entries {
		input := strings.Join(strings.Fields(e.Input), " ")
		fmt.Fprintf(w, "%s  %-8s  %s  %s\n", e.Finished.Local().Format(time.DateTime), e.Outcome, e.JobID, input)
	}
}
