// Package traffic renders the live VPN feed. Speed gauges ease toward each
// new reading with a spring so a jumpy feed still reads smoothly.
package traffic

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/telemetry"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/theme"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
)

const (
	fps = 30
	// settle is how close a gauge must be to its target, in kbps, to stop
	// animating.
	settle = 0.05
)

// FrameMsg advances the gauge animation by one frame.
type FrameMsg struct{}

type gauge struct {
	pos, vel, target float64
}

func (g *gauge) step(s harmonica.Spring) {
	g.pos, g.vel = s.Update(g.pos, g.vel, g.target)
}

func (g gauge) settled() bool {
	return math.Abs(g.pos-g.target) < settle && math.Abs(g.vel) < settle
}

type Model struct {
	Snap       *telemetry.Snapshot
	State      transport.State
	Subscribed bool
	Err        string
	Width      int
	Now        func() time.Time

	spring    harmonica.Spring
	in, out   gauge
	peak      float64
	animating bool
}

func New() Model {
	return Model{
		Now:    time.Now,
		spring: harmonica.NewSpring(harmonica.FPS(fps), 6.0, 0.8),
	}
}

// SetSnapshot shows a new reading and starts the gauge animation if it is
// not already running.
func (m *Model) SetSnapshot(s telemetry.Snapshot) tea.Cmd {
	m.Snap = &s
	m.in.target = deref(s.SpeedInKbps)
	m.out.target = deref(s.SpeedOutKbps)
	m.peak = max(m.peak, m.in.target, m.out.target)
	if m.animating {
		return nil
	}
	m.animating = true
	return frame()
}

// Reset forgets the last reading, e.g. after unsubscribing.
func (m *Model) Reset() {
	m.Snap = nil
	m.in, m.out = gauge{}, gauge{}
	m.peak = 0
	m.Err = ""
}

// Animate steps the springs and schedules the next frame until both gauges
// settle.
func (m *Model) Animate(FrameMsg) tea.Cmd {
	m.in.step(m.spring)
	m.out.step(m.spring)
	if m.in.settled() && m.out.settled() {
		m.in.pos, m.out.pos = m.in.target, m.out.target
		m.animating = false
		return nil
	}
	return frame()
}

// Gauges returns the displayed download and upload speeds in kbps.
func (m Model) Gauges() (in, out float64) {
	return m.in.pos, m.out.pos
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return FrameMsg{} })
}

func (m Model) View() string {
	width := max(m.Width, 40)
	state := m.State.String()
	header := theme.StyleHeader.Render("VPN TRAFFIC") + "  " +
		lipgloss.NewStyle().Foreground(theme.ConnectionColor(state)).Render(strings.ToUpper(state))
	if m.Snap != nil {
		if m.Snap.IsLive() {
			header += "  " + lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● tunnel up")
		} else {
			header += "  " + theme.StyleDimmed.Render("○ tunnel down")
		}
	}
	lines := []string{header, ""}

	switch {
	case !m.Subscribed:
		lines = append(lines, theme.StyleDimmed.Render("  Press s to follow the traffic feed."))
	case m.Snap == nil:
		lines = append(lines, theme.StyleDimmed.Render("  Waiting for the first reading..."))
	default:
		barW := min(width-30, 50)
		lines = append(lines,
			"  "+m.renderGauge("↓", m.in.pos, barW, theme.ColorDownload),
			"  "+m.renderGauge("↑", m.out.pos, barW, theme.ColorUpload),
			"",
			fmt.Sprintf("  received %-10s  sent %s", humanBytes(m.Snap.BytesReceived), humanBytes(m.Snap.BytesSent)),
			fmt.Sprintf("  cipher   %-10s  ip   %s", orDash(m.Snap.Cipher), orDash(m.Snap.RealIP)),
		)
		if up, ok := m.Snap.Uptime(m.Now()); ok {
			lines = append(lines, fmt.Sprintf("  uptime   %s", up.Truncate(time.Second)))
		}
	}
	if m.Err != "" {
		lines = append(lines, "", theme.StyleError.Render("  ✗ "+m.Err))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderGauge(arrow string, kbps float64, width int, color lipgloss.Color) string {
	width = max(width, 10)
	filled := 0
	if m.peak > 0 {
		filled = int(math.Round(math.Max(kbps, 0) / m.peak * float64(width)))
	}
	filled = min(max(filled, 0), width)
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		theme.StyleDimmed.Render(strings.Repeat("·", width-filled))
	return fmt.Sprintf("%s %8.1f kbps %s", arrow, math.Max(kbps, 0), bar)
}

func humanBytes(n *int64) string {
	if n == nil {
		return "-"
	}
	const unit = 1024
	v := float64(*n)
	if v < unit {
		return fmt.Sprintf("%d B", *n)
	}
	exp := 0
	for v >= unit && exp < 4 {
		v /= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", v, "KMGT"[exp-1])
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
