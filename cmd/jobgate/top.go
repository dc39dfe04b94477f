package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/scoutdesk/jobgate/internal/tui"
)

func newTopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live board of sessions, zombie suspects and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := tui.New(cmd.Context(), opts.client())
			_, err := tea.NewProgram(m, tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
}
