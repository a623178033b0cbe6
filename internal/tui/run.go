package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the program and blocks until the user quits.
func Run(opts Options) error {
	model := New(opts)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	model.stopSession()
	model.shutdown()
	return err
}
