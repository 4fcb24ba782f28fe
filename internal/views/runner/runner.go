// Package runner renders the lab checklist and the graded result.
package runner

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/testrun"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/theme"
)

type Model struct {
	Snap  testrun.Snapshot
	Width int
	bar   progress.Model
}

func New() Model {
	return Model{bar: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())}
}

// Set replaces the displayed run.
func (m *Model) Set(snap testrun.Snapshot) {
	m.Snap = snap
}

func (m Model) View() string {
	width := max(m.Width, 40)
	lines := []string{m.header()}

	if len(m.Snap.Steps) == 0 {
		switch m.Snap.State {
		case testrun.StateIdle:
			lines = append(lines, theme.StyleDimmed.Render("  Press r to run the lab checks."))
		case testrun.StateRunning:
			lines = append(lines, theme.StyleDimmed.Render("  Waiting for the runner..."))
		}
	}
	for _, st := range m.Snap.Steps {
		lines = append(lines, renderStep(st, width-4))
	}

	if finished, total := m.Snap.Progress(); total > 0 && m.Snap.State == testrun.StateRunning {
		bar := m.bar
		bar.Width = min(width-12, 60)
		lines = append(lines, "", fmt.Sprintf("  %s %d/%d", bar.ViewAs(float64(finished)/float64(total)), finished, total))
	}

	if r := m.Snap.Result; r != nil {
		lines = append(lines, "", renderResult(*r, m.Snap.PassCount(), m.Snap.FailCount()))
	}
	if m.Snap.Err != nil {
		lines = append(lines, "", theme.StyleError.Render("  ✗ "+m.Snap.Err.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) header() string {
	state := m.Snap.State.String()
	color := theme.ColorDimmed
	switch m.Snap.State {
	case testrun.StateRunning:
		color = theme.ColorChecking
	case testrun.StateDone:
		color = theme.ColorPass
	case testrun.StateError:
		color = theme.ColorFail
	}
	title := theme.StyleHeader.Render("LAB CHECKS")
	return title + "  " + lipgloss.NewStyle().Foreground(color).Render(strings.ToUpper(state))
}

func renderStep(st testrun.Step, width int) string {
	status := string(st.Status)
	style := lipgloss.NewStyle().Foreground(theme.StepColor(status))
	label := st.Label
	if label == "" {
		label = st.Key
	}
	line := fmt.Sprintf("  %s %s", style.Render(theme.StepGlyph(status)), label)
	if st.Detail != nil && *st.Detail != "" {
		detail := *st.Detail
		if limit := width - len([]rune(label)) - 8; limit > 3 && len([]rune(detail)) > limit {
			detail = string([]rune(detail)[:limit-3]) + "..."
		}
		line += theme.StyleDimmed.Render("  " + detail)
	}
	return line
}

func renderResult(r testrun.Result, pass, fail int) string {
	grade := lipgloss.NewStyle().Bold(true).Foreground(theme.GradeColor(r.Grade)).Render(r.Grade)
	body := fmt.Sprintf("Grade %s   %.0f / %.0f   %.1f%%\n%d passed  %d failed",
		grade, r.TotalScore, r.MaxScore, r.Percentage, pass, fail)
	return theme.StyleBorder.Padding(0, 1).Render(body)
}
