package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookgate/internal/api"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	Connected     bool
	LastCheck     time.Time
}

// tickStallAfter applies until two ticks have shown the real interval.
const tickStallAfter = 30 * time.Second

func renderHeader(health HealthState, stats api.StatsResponse, beat Heartbeat, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusCompleted.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	case beat.Stalled(now, tickStallAfter):
		statusText = theme.StatusProcessing.Render("SCHEDULER STALLED")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	titleText := fmt.Sprintf(" HOOKGATE WATCH %s", theme.Highlight.Render(beat.Glyph()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statusLine := fmt.Sprintf(" %s  ⏱ %s  Queue depth: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.QueueDepth,
	)

	l := stats.Ledger
	ledgerLine := fmt.Sprintf(" Ledger: %d total  %s  %s  %s  %s  retry rate %.2f%%",
		l.Total,
		theme.StatusPending.Render(fmt.Sprintf("%d pending", l.Pending)),
		theme.StatusProcessing.Render(fmt.Sprintf("%d processing", l.Processing)),
		theme.StatusCompleted.Render(fmt.Sprintf("%d completed", l.Completed)),
		theme.StatusFailed.Render(fmt.Sprintf("%d failed", l.Failed)),
		l.RetryRate,
	)

	activityLine := fmt.Sprintf(" Last event: %s  %s %d in %ds",
		lastEvent, activity.Sparkline(theme), activity.Total(), activityWindow)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statusLine, ledgerLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
