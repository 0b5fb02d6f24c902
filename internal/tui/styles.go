// Package tui provides the terminal user interface for schedd.
package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/drewfead/schedd/internal/api"
)

// Tokyo Night inspired color palette
var (
	ColorBg      = lipgloss.Color("#1a1b26")
	ColorBgAlt   = lipgloss.Color("#24283b")
	ColorFg      = lipgloss.Color("#c0caf5")
	ColorFgMuted = lipgloss.Color("#565f89")
	ColorReady   = lipgloss.Color("#9ece6a")
	ColorLoading = lipgloss.Color("#7aa2f7")
	ColorFailed  = lipgloss.Color("#f7768e")
	ColorNew     = lipgloss.Color("#e0af68")
	ColorAccent  = lipgloss.Color("#d4a373")
)

// StateIcons are drawn in front of each project row.
var StateIcons = map[api.State]string{
	api.StateNew:      "○",
	api.StateLoading:  "◐",
	api.StateReady:    "●",
	api.StateFailed:   "✗",
	api.StateObsolete: "─",
}

// StateColor returns the color for a project state.
func StateColor(s api.State) lipgloss.Color {
	switch s {
	case api.StateReady:
		return ColorReady
	case api.StateLoading:
		return ColorLoading
	case api.StateFailed:
		return ColorFailed
	case api.StateNew:
		return ColorNew
	default:
		return ColorFgMuted
	}
}

// Common styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleHeader = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			Bold(true)

	StyleSelected = lipgloss.NewStyle().
			Background(ColorBgAlt).
			Foreground(ColorFg)

	StyleNormal = lipgloss.NewStyle().
			Foreground(ColorFg)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorFgMuted)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorFailed)

	StyleHelp = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			MarginTop(1)

	StyleBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorFgMuted).
			Padding(0, 1)
)

// StateStyle returns the style a state is rendered in.
func StateStyle(s api.State) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(StateColor(s))
}
