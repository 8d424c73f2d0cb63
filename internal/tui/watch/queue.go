package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var queueOrder = []string{"queued", "running", "succeeded", "failed"}

func renderQueue(counts map[string]int, theme Theme, width int) string {
	parts := make([]string, 0, len(queueOrder))
	for _, status := range queueOrder {
		parts = append(parts, theme.ForStatus(status).Render(fmt.Sprintf("%s %d", status, counts[status])))
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("ASYNC QUEUE"),
		" "+strings.Join(parts, "  "),
	)
	return theme.Border.Width(width - 4).Render(content)
}
