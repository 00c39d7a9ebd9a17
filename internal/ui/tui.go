// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and its control channels
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Controls carry key presses back to the presentation loop
type Controls struct {
	Vsync chan bool
	Pause chan bool
	Quit  chan struct{}
}

// NewControls creates control channels
func NewControls() *Controls {
	return &Controls{
		Vsync: make(chan bool, 10),
		Pause: make(chan bool, 10),
		Quit:  make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(controls *Controls) Model {
	return Model{
		vsync:    true,
		controls: controls,
	}
}

// Run creates the TUI program; the caller starts it
func Run(controls *Controls) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(controls), tea.WithAltScreen())
	return p, nil
}
