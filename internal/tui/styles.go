package tui

import "github.com/charmbracelet/lipgloss"

var (
	accent = lipgloss.Color("#5FAFAF")
	muted  = lipgloss.Color("#666666")
	good   = lipgloss.Color("#87AF87")
	bad    = lipgloss.Color("#AF5F5F")

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(accent).MarginBottom(1)
	subtleStyle   = lipgloss.NewStyle().Foreground(muted)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	successStyle  = lipgloss.NewStyle().Foreground(good)
	errorStyle    = lipgloss.NewStyle().Foreground(bad)
	statusStyle   = lipgloss.NewStyle().Foreground(muted)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(muted).
			Padding(0, 1)
	activePaneStyle = paneStyle.BorderForeground(accent)
)
