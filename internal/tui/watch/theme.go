// Package watch implements the `hookgate watch` terminal dashboard. It polls
// the admin API for ledger and queue state and tails the /events stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Ledger status colors
	StatusCompleted  lipgloss.Style
	StatusProcessing lipgloss.Style
	StatusFailed     lipgloss.Style
	StatusPending    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForStatus picks the style for a ledger or queue status.
func (t Theme) ForStatus(status string) lipgloss.Style {
	switch status {
	case "COMPLETED", "succeeded":
		return t.StatusCompleted
	case "PROCESSING", "running":
		return t.StatusProcessing
	case "FAILED", "failed":
		return t.StatusFailed
	default:
		return t.StatusPending
	}
}
