package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/toolgate/internal/models"
)

var (
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	stateStyles = map[models.ServerState]lipgloss.Style{
		models.ServerUnstarted: lipgloss.NewStyle().Foreground(lipgloss.Color("8")), // Gray
		models.ServerStarting:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")), // Blue
		models.ServerRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // Green
		models.ServerDegraded:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // Yellow
		models.ServerFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // Red
		models.ServerStopped:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func renderState(s models.ServerState) string {
	if style, ok := stateStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}
