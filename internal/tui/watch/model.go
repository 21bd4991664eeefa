package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/scanq/internal/api"
	"github.com/mattjoyce/scanq/internal/events"
)

const (
	maxEventLog  = 50
	pollInterval = 5 * time.Second
)

// Model is the bubbletea model for the watch view.
type Model struct {
	client *client

	width  int
	height int

	health   HealthState
	entries  []api.Entry
	table    table.Model
	eventLog []events.Event
	lastID   int64
	lastTick time.Time
	pulse    Pulse

	theme     Theme
	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:    newClient(apiURL, token),
		table:     newQueueTable(theme),
		hubEvents: make(chan events.Event, 100),
		theme:     theme,
		now:       time.Now,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchQueue,
		m.client.fetchSettings,
		tickEvery(time.Second),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.client.fetchQueue, m.client.fetchHealth, m.client.fetchSettings)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(3, msg.Height-22))

	case tickMsg:
		m.pulse.Decay(m.now())
		return m, tickEvery(time.Second)

	case eventMsg:
		e := events.Event(msg)
		m.lastID = max(m.lastID, e.ID)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.pulse.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		switch e.Type {
		case events.SchedulerTick:
			m.lastTick = m.now()
			cmds = append(cmds, m.client.fetchQueue)
		case events.ScanCancelled, events.ScanRequeued:
			cmds = append(cmds, m.client.fetchQueue)
		case events.SettingsChanged:
			cmds = append(cmds, m.client.fetchSettings)
		}
		return m, tea.Batch(cmds...)

	case queueMsg:
		m.entries = msg.Entries
		m.health.QueueLength = msg.Length
		m.table.SetRows(queueRows(m.entries, m.now()))
		m.lastError = ""

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueLength = msg.QueueLength
		m.health.Enabled = msg.Enabled
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case settingsMsg:
		m.health.Enabled = msg.Enabled
		m.health.Ceiling = msg.Ceiling
		m.health.ActiveTime = time.Duration(msg.ActiveTimeSeconds * float64(time.Second))

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		if !msg.health {
			return m, nil
		}
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	return m, nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, countActive(m.entries), m.pulse, m.lastTick, m.theme, m.width),
		renderQueue(m.table, m.health.QueueLength, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
