package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/runner"
)

// runnerCmd is the resident process the daemon spawns once per role.
var runnerCmd = &cobra.Command{
	Use:    "runner",
	Short:  "Serve agent requests on stdin (spawned by the daemon)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runner.ConfigFromEnv()
		if err != nil {
			return err
		}
		cfg.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "shogun",
			Level:  hclog.Info,
			Output: os.Stderr,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runner.New(cfg, os.Stdout).Serve(ctx, os.Stdin)
	},
}

func init() {
	rootCmd.AddCommand(runnerCmd)
}
