package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/scanq/internal/api"
)

var queueColumns = []table.Column{
	{Title: "#", Width: 4},
	{Title: "Report", Width: 36},
	{Title: "Owner", Width: 12},
	{Title: "State", Width: 8},
	{Title: "PID", Width: 8},
	{Title: "Waiting", Width: 9},
	{Title: "Requeues", Width: 8},
}

func newQueueTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(queueColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.ColumnHeader.GetForeground())
	s.Selected = s.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(s)
	return t
}

// queueRows renders entries in queue order. An entry with a handler pid is
// shown as running; the next tick decides whether it still is.
func queueRows(entries []api.Entry, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for i, e := range entries {
		state, pid := "queued", "-"
		if e.HandlerPID > 0 {
			state, pid = "running", strconv.Itoa(e.HandlerPID)
		}
		owner := e.Owner
		if owner == "" {
			owner = "-"
		}
		rows = append(rows, table.Row{
			strconv.Itoa(i + 1),
			e.Report,
			owner,
			state,
			pid,
			formatDuration(now.Sub(e.QueuedAt)),
			strconv.Itoa(e.Requeues),
		})
	}
	return rows
}

func countActive(entries []api.Entry) int {
	n := 0
	for _, e := range entries {
		if e.HandlerPID > 0 {
			n++
		}
	}
	return n
}

func renderQueue(t table.Model, total int, theme Theme, width int) string {
	title := theme.Title.Render(fmt.Sprintf("QUEUE (%d)", total))
	if total == 0 {
		return theme.Panel.Width(width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Muted.Render("  Queue is empty")),
		)
	}
	return theme.Panel.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
