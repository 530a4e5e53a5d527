package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/forge-labs/forge-go/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func stateStyle(s domain.State) lipgloss.Style {
	switch s {
	case domain.StateExported, domain.StateGenerated:
		return successStyle
	case domain.StateAbandoned:
		return errorStyle
	case domain.StateGenerating3D:
		return warningStyle
	default:
		return labelStyle
	}
}

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunStatusSucceeded:
		return successStyle
	case domain.RunStatusCancelled:
		return warningStyle
	default:
		return errorStyle
	}
}
