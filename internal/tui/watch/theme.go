// Package watch implements `scanqd queue watch`, a live view of the scan
// queue fed by the admin API's /queue polling and /events stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour the watch view uses in one place.
type Theme struct {
	Healthy lipgloss.Style // daemon reachable, entry finished
	Running lipgloss.Style // entry with a live handler
	Failed  lipgloss.Style
	Waiting lipgloss.Style // entry waiting for a slot, queue disabled

	Panel        lipgloss.Style
	Title        lipgloss.Style
	ColumnHeader lipgloss.Style
	Muted        lipgloss.Style
	Accent       lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

type palette struct {
	green, amber, red, grey, dark, frame, white, blue, gold lipgloss.Color
}

var defaultPalette = palette{
	green: "#3FB950",
	amber: "#D29922",
	red:   "#F85149",
	grey:  "#8B949E",
	dark:  "#30363D",
	frame: "#6E40C9",
	white: "#F0F6FC",
	blue:  "#58A6FF",
	gold:  "#E3B341",
}

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

func NewDefaultTheme() Theme {
	p := defaultPalette
	return Theme{
		Healthy: fg(p.green),
		Running: fg(p.amber),
		Failed:  fg(p.red),
		Waiting: fg(p.grey),

		Panel:        lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(p.frame),
		Title:        fg(p.white).Bold(true).Padding(0, 1),
		ColumnHeader: fg(p.blue).Bold(true),
		Muted:        fg(p.grey),
		Accent:       fg(p.gold),

		PulseOn:  fg(p.green),
		PulseOff: fg(p.dark),
	}
}
