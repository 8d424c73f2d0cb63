package watch

import (
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookgate/internal/api"
)

func newWebhookTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Status", Width: 11},
			{Title: "Provider", Width: 10},
			{Title: "Event ID", Width: 24},
			{Title: "Retries", Width: 7},
			{Title: "Age", Width: 8},
			{Title: "Last error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func webhookRows(views []api.WebhookEventView, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(views))
	for _, v := range views {
		rows = append(rows, table.Row{
			v.Status,
			v.Provider,
			truncate(v.EventID, 24),
			formatRetries(v.RetryCount, v.MaxRetries),
			formatDuration(now.Sub(v.CreatedAt).Round(time.Second)),
			truncate(v.LastError, 30),
		})
	}
	return rows
}

func renderWebhooks(t table.Model, filter string, theme Theme, width int) string {
	title := "WEBHOOK EVENTS"
	if filter != "" {
		title += " · " + filter
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render(title), t.View())
	return theme.Border.Width(width - 4).Render(content)
}

func formatRetries(n, limit int) string {
	if limit <= 0 {
		return strconv.Itoa(n)
	}
	return strconv.Itoa(n) + "/" + strconv.Itoa(limit)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
