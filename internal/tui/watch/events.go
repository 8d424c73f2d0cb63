package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookgate/internal/events"
)

const eventStreamRows = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventStreamRows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeEventCompleted:
		typeStyle = theme.StatusCompleted
	case events.TypeEventFailed, events.TypeJobFailed:
		typeStyle = theme.StatusFailed
	case events.TypeEventProcessing, events.TypeEventRetrying, events.TypeEventReaped:
		typeStyle = theme.StatusProcessing
	default:
		if strings.HasPrefix(e.Type, "scheduler.") {
			typeStyle = theme.Highlight
		} else {
			typeStyle = theme.Dim
		}
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e))
}

// describeEvent pulls the interesting fields out of a transition or job
// payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if provider, ok := data["provider"].(string); ok && provider != "" {
		parts = append(parts, provider)
	}
	if eventID, ok := data["event_id"].(string); ok && eventID != "" {
		parts = append(parts, eventID)
	}
	if key, ok := data["dedupe_key"].(string); ok {
		parts = append(parts, "key="+key)
	}
	if jobID, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(jobID)))
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if errText, ok := data["error"].(string); ok && errText != "" {
		parts = append(parts, truncate(errText, 40))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
