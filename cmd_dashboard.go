package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"loadengine/internal/calendar"
	"loadengine/internal/tui"
)

var dashboardOwner int64

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Launch the interactive dashboard for an owner",
	RunE: withApp(func(ctx context.Context, a *app) error {
		if _, err := a.configs.Active(ctx, dashboardOwner); err != nil {
			return fmt.Errorf("owner %d: %w", dashboardOwner, err)
		}

		model := tui.NewApp(a.query, dashboardOwner, calendar.Today, tui.NewUnits(a.cfg.Display))
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("running dashboard: %w", err)
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().Int64Var(&dashboardOwner, "owner", 0, "Owner id")
	_ = dashboardCmd.MarkFlagRequired("owner")
}
