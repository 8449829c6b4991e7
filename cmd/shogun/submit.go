package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/msageha/shogun/internal/uds"
)

var (
	submitProject string
	submitWait    bool
)

const pollInterval = 500 * time.Millisecond

var submitCmd = &cobra.Command{
	Use:   "submit <request...>",
	Short: "Hand a request to the commander",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		var res uds.SubmitResult
		err = client.Call(uds.CmdSubmit, uds.SubmitParams{
			Input:     strings.Join(args, " "),
			ProjectID: submitProject,
		}, &res)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !submitWait {
			fmt.Fprintln(out, res.JobID)
			return nil
		}
		fmt.Fprintf(out, "job %s\n", res.JobID)
		var ask decider
		if term.IsTerminal(int(os.Stdin.Fd())) {
			ask = promptDecision(os.Stdin, out)
		}
		return follow(client, res.JobID, out, ask, pollInterval)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&submitProject, "project", "p", "", "project id from config/projects.yaml")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "stream progress and wait for the result")
}

// decider answers an approval question. ok is false when no answer could
// be read.
type decider func(question string) (approve, ok bool)

// follow polls a job, printing progress lines until it finishes. When ask is
// nil a pending approval is left for `shogun approve|reject`.
func follow(client *uds.Client, jobID string, out io.Writer, ask decider, interval time.Duration) error {
	since := 0
	asked := ""
	for {
		var res uds.JobResult
		if err := client.Call(uds.CmdJob, uds.JobParams{JobID: jobID, Since: since}, &res); err != nil {
			return err
		}
		for _, line := range res.Lines {
			fmt.Fprintln(out, line)
		}
		since = res.Next
		if res.Done {
			fmt.Fprintln(out, res.Result)
			return nil
		}
		if res.PendingApproval != "" && res.PendingApproval != asked {
			asked = res.PendingApproval
			if ask == nil {
				fmt.Fprintf(out, "awaiting approval: shogun approve %s | shogun reject %s\n", jobID, jobID)
			} else if approve, ok := ask(res.PendingApproval); ok {
				command := uds.CmdReject
				if approve {
					command = uds.CmdApprove
				}
				if err := client.Call(command, uds.DecisionParams{JobID: jobID}, nil); err != nil {
					return err
				}
			}
		}
		time.Sleep(interval)
	}
}

// promptDecision asks on out and reads y/n answers from in.
func promptDecision(in io.Reader, out io.Writer) decider {
	sc := bufio.NewScanner(in)
	return func(question string) (bool, bool) {
		for {
			fmt.Fprintf(out, "%s [y/n] ", question)
			if !sc.Scan() {
				return false, false
			}
			switch strings.ToLower(strings.TrimSpace(sc.Text())) {
			case "y", "yes":
				return true, true
			case "n", "no":
				return false, true
			}
		}
	}
}
