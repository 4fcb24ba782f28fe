package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/theme"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
)

// Model holds the status bar state.
type Model struct {
	Run       string
	Streaming bool
	Feed      transport.State
	Remaining *int
	Width     int
}

func New() Model {
	return Model{Run: "idle"}
}

func (m Model) View() string {
	width := max(m.Width, 40)
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")

	run := "lab: " + m.Run
	chat := theme.StyleDimmed.Render("chat: idle")
	if m.Streaming {
		chat = lipgloss.NewStyle().Foreground(theme.ColorAccent).Render("chat: streaming")
	}
	if m.Remaining != nil {
		chat += theme.StyleDimmed.Render(fmt.Sprintf(" (%d left)", *m.Remaining))
	}

	feed := m.Feed.String()
	glyph := "○"
	if m.Feed == transport.StateOpen {
		glyph = "●"
	}
	feedStr := lipgloss.NewStyle().Foreground(theme.ConnectionColor(feed)).Render(glyph + " vpn: " + feed)

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(run + sep + chat + sep + feedStr)
}
