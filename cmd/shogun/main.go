// Command shogun runs and drives the commander/advisor/worker pipeline.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/model"
	"github.com/msageha/shogun/internal/setup"
	"github.com/msageha/shogun/internal/uds"
)

var workspaceDir string

var rootCmd = &cobra.Command{
	Use:           "shogun",
	Short:         "Run a commander, an advisor and a pool of workers over AI CLIs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "dir", "C", "", "workspace directory (default: nearest directory holding .shogun/)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// workspaceRoot resolves the workspace from --dir or the current directory.
func workspaceRoot() (string, error) {
	start := workspaceDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		start = wd
	}
	root := setup.FindRoot(start)
	if root == "" {
		return "", fmt.Errorf("no %s/ found at or above %s; run 'shogun setup <dir>' first", setup.StateDirName, start)
	}
	return root, nil
}

func loadWorkspace() (string, model.Config, error) {
	root, err := workspaceRoot()
	if err != nil {
		return "", model.Config{}, err
	}
	cfg, err := setup.LoadConfig(root)
	if err != nil {
		return "", model.Config{}, err
	}
	return root, cfg, nil
}

func daemonClient(root string) *uds.Client {
	c := uds.NewClient(filepath.Join(root, setup.StateDirName, uds.DefaultSocketName))
	c.SetTimeout(10 * time.Second)
	return c
}

// connect resolves the workspace and returns a client for its daemon.
func connect() (*uds.Client, error) {
	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	return daemonClient(root), nil
}
