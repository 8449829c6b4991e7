package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the pipeline daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadWorkspace()
		if err != nil {
			return err
		}
		d, err := daemon.New(root, cfg)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
