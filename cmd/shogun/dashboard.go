package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/msageha/shogun/internal/store"
)

var dashboardRaw bool

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render the advisor's dashboard.md",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadWorkspace()
		if err != nil {
			return err
		}
		md, err := store.New(root, cfg.Workers.Count, nil).ReadDashboard()
		if err != nil {
			return fmt.Errorf("read dashboard: %w", err)
		}
		if md == "" {
			md = "_No dashboard yet._\n"
		}
		if dashboardRaw {
			_, err = fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return err
		}
		out, err := renderer.Render(md)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().BoolVar(&dashboardRaw, "raw", false, "print the markdown unrendered")
}
