package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookgate/internal/api"
	"github.com/mattjoyce/hookgate/internal/events"
)

const (
	pollInterval = 3 * time.Second
	maxEventLog  = 50
	// activityWindow is the sparkline width in seconds.
	activityWindow = 20
)

// statusFilters is the cycle order of the [f] key.
var statusFilters = []string{"", "PENDING", "PROCESSING", "COMPLETED", "FAILED"}

type pollMsg time.Time

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health    HealthState
	stats     api.StatsResponse
	rows      []api.WebhookEventView
	table     table.Model
	filterIdx int
	eventLog  []events.Event

	beat     Heartbeat
	activity Activity
	theme    Theme

	hubEvents chan events.Event

	lastError string
	notice    string
	now       func() time.Time
}

// New creates a new watch TUI model.
func New(apiURL, token string) Model {
	return Model{
		client:    NewClient(apiURL, token),
		table:     newWebhookTable(),
		eventLog:  make([]events.Event, 0, maxEventLog),
		hubEvents: make(chan events.Event, 100),
		activity:  NewActivity(activityWindow),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(apiURL, token string) error {
	_, err := tea.NewProgram(New(apiURL, token), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeCmd(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.refresh(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) }),
	)
}

func (m Model) filter() string {
	return statusFilters[m.filterIdx]
}

func (m Model) refresh() tea.Cmd {
	return tea.Batch(m.client.healthCmd, m.client.statsCmd, m.client.webhooksCmd(m.filter()))
}

func (m Model) selected() (api.WebhookEventView, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return api.WebhookEventView{}, false
	}
	return m.rows[i], true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "f":
			m.filterIdx = (m.filterIdx + 1) % len(statusFilters)
			m.table.SetCursor(0)
			return m, m.client.webhooksCmd(m.filter())
		case "r":
			row, ok := m.selected()
			if !ok {
				return m, nil
			}
			if row.Status != "FAILED" {
				m.notice = "only FAILED events can be retried"
				return m, nil
			}
			return m, m.client.retryCmd(row.ID)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(5, msg.Height/3))

	case tickMsg:
		m.activity.Advance(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case pollMsg:
		return m, tea.Batch(
			m.refresh(),
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) }),
		)

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.Record(m.now())
		if e.Type == events.TypeSchedulerTick {
			m.beat.Beat(m.now())
		}
		m.health.Connected = true
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""

	case statsMsg:
		m.stats = api.StatsResponse(msg)

	case webhooksMsg:
		m.rows = []api.WebhookEventView(msg)
		m.table.SetRows(webhookRows(m.rows, m.now()))

	case retriedMsg:
		m.notice = fmt.Sprintf("reset %s for retry", msg.id)
		return m, m.client.webhooksCmd(m.filter())

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeCmd(m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to hookgate..."
	}

	parts := []string{
		renderHeader(m.health, m.stats, m.beat, m.activity, m.theme, m.width, m.now()),
		renderQueue(m.stats.Queue, m.theme, m.width),
		renderWebhooks(m.table, m.filter(), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.notice != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [f] Filter • [r] Retry failed"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
