package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/scanq/internal/events"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Muted.Render("  Waiting for events..."),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, maxEventLines)
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Panel.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.ScanLaunched:
		style = theme.Running
	case events.ScanLaunchFailed:
		style = theme.Failed
	case events.ScanCancelled, events.ScanRequeued:
		style = theme.Waiting
	case events.SchedulerTick, events.SettingsChanged:
		style = theme.Accent
	default:
		style = theme.Muted
	}

	return fmt.Sprintf("%s %s %s",
		theme.Muted.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		describeEvent(e),
	)
}

func describeEvent(e events.Event) string {
	switch e.Type {
	case events.SchedulerTick:
		var t events.Tick
		if json.Unmarshal(e.Data, &t) == nil {
			s := fmt.Sprintf("visited %d active %d launched %d requeued %d (%dms)",
				t.Visited, t.Active, t.Launched, t.Requeued, t.Millis)
			if t.Saturated {
				s += " saturated"
			}
			return s
		}
	case events.ScanLaunched, events.ScanRequeued, events.ScanLaunchFailed, events.ScanCancelled:
		var s events.Scan
		if json.Unmarshal(e.Data, &s) == nil {
			parts := []string{shortID(s.Report)}
			if s.PID != 0 {
				parts = append(parts, fmt.Sprintf("pid %d", s.PID))
			}
			if s.Reason != "" {
				parts = append(parts, s.Reason)
			}
			if s.Error != "" {
				parts = append(parts, s.Error)
			}
			return strings.Join(parts, " ")
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
