// cmd/inkflow/main.go
//
// Entry point for the inkflow TUI. Running `inkflow` in a project directory
// initializes the .inkflow folder there and launches the workflow interface.

package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/chenyuan/inkflow/internal/config"
	"github.com/chenyuan/inkflow/internal/tui"
)

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}

	if err := config.InitInkflowDir(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing .inkflow directory: %v\n", err)
		os.Exit(1)
	}

	app, err := tui.NewApp(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting inkflow: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
