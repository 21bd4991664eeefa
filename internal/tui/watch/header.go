package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks daemon health from /healthz and /settings polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueLength   int
	Enabled       bool
	Ceiling       int
	ActiveTime    time.Duration
	Connected     bool
	LastCheck     time.Time
}

// Pulse lights up on each event and fades over ten seconds.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

func (p *Pulse) OnEvent(now time.Time) {
	p.dots = 5
	p.lastEvent = now
}

func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	p.dots = max(0, 5-int(now.Sub(p.lastEvent)/(2*time.Second)))
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.dots {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(h HealthState, active int, pulse Pulse, lastTick time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	status := theme.Healthy.Render("RUNNING")
	switch {
	case !h.Connected:
		status = theme.Failed.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = theme.Failed.Render("DEGRADED")
	case !h.Enabled:
		status = theme.Waiting.Render("DISABLED")
	}

	ceiling := "unlimited"
	if h.Ceiling > 0 {
		ceiling = fmt.Sprintf("%d/%d", active, h.Ceiling)
	}
	budget := "none"
	if h.ActiveTime > 0 {
		budget = h.ActiveTime.String()
	}

	clock := theme.Muted.Render(time.Now().Format("15:04:05"))
	title := " SCANQ WATCH"
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  queued %d  active %s  budget %s",
		status,
		formatDuration(time.Duration(h.UptimeSeconds)*time.Second),
		h.QueueLength,
		ceiling,
		budget,
	)

	tick := "never"
	if !lastTick.IsZero() {
		tick = fmt.Sprintf("%s ago", time.Since(lastTick).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last tick: %s %s", tick, pulse.Render(theme))

	return theme.Panel.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
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
