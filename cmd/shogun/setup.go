package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/setup"
)

var setupProjectName string

var setupCmd = &cobra.Command{
	Use:   "setup [dir]",
	Short: "Initialize a workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := setup.Run(dir, setupProjectName); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		abs, _ := filepath.Abs(dir)
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/ in %s\n", setup.StateDirName, abs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().StringVar(&setupProjectName, "name", "", "project name (default: directory name)")
}
