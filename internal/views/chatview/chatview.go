// Package chatview renders the assistant conversation: finished turns as
// markdown, the reply in flight as revealed so far, and the input line.
package chatview

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/theme"
)

const maxTurns = 50

// Role says who wrote a turn.
type Role int

const (
	RoleUser Role = iota
	RoleAssistant
)

type Turn struct {
	Role    Role
	Content string
}

type Model struct {
	Turns []Turn
	// Pending is the revealed prefix of the reply in flight, Flushed the
	// latest throttled copy of everything received so far.
	Pending   string
	Flushed   string
	Streaming bool
	Remaining *int
	Err       string
	Width     int

	input textinput.Model
	md    *mdCache
}

// mdCache is shared by copies of the model so the renderer is built once
// per wrap width.
type mdCache struct {
	renderer *glamour.TermRenderer
	wrap     int
}

func New() Model {
	in := textinput.New()
	in.Placeholder = "Ask about the lab..."
	in.Prompt = "› "
	in.CharLimit = 2000
	in.Focus()
	return Model{input: in, md: &mdCache{}}
}

// Submit takes the typed message, records it and clears the input. It is
// false when there is nothing to send or a reply is still streaming.
func (m *Model) Submit() (string, bool) {
	msg := strings.TrimSpace(m.input.Value())
	if msg == "" || m.Streaming {
		return "", false
	}
	m.input.SetValue("")
	m.push(Turn{Role: RoleUser, Content: msg})
	m.Streaming = true
	m.Pending = ""
	m.Flushed = ""
	m.Err = ""
	return msg, true
}

// Flush records the throttled copy of the reply in flight.
func (m *Model) Flush(content string) {
	if m.Streaming {
		m.Flushed = content
	}
}

// Reveal shows the prefix uncovered so far.
func (m *Model) Reveal(visible string) {
	if m.Streaming {
		m.Pending = visible
	}
}

// Done commits the reply.
func (m *Model) Done(content string, remaining *int) {
	m.push(Turn{Role: RoleAssistant, Content: content})
	m.Pending = ""
	m.Flushed = ""
	m.Streaming = false
	if remaining != nil {
		r := *remaining
		m.Remaining = &r
	}
}

// Fail rolls back the reply in flight and shows why.
func (m *Model) Fail(err error) {
	m.Pending = ""
	m.Flushed = ""
	m.Streaming = false
	if err != nil {
		m.Err = err.Error()
	}
}

// Abort rolls back without an error, after the user canceled.
func (m *Model) Abort() {
	m.Pending = ""
	m.Flushed = ""
	m.Streaming = false
}

func (m *Model) push(t Turn) {
	m.Turns = append(m.Turns, t)
	if len(m.Turns) > maxTurns {
		m.Turns = m.Turns[len(m.Turns)-maxTurns:]
	}
}

// Update forwards key input to the text field.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) SetWidth(w int) {
	m.Width = w
	m.input.Width = max(w-6, 10)
}

func (m Model) View(height int) string {
	width := max(m.Width, 40)
	var blocks []string
	for _, t := range m.Turns {
		blocks = append(blocks, m.renderTurn(t, width))
	}
	if m.Streaming {
		cursor := lipgloss.NewStyle().Foreground(theme.ColorAccent).Render("▌")
		reply := cursor
		if shown := m.shown(); shown != "" {
			reply = m.md.render(shown, width-4) + cursor
		}
		blocks = append(blocks, assistantLabel()+"\n"+reply)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, theme.StyleDimmed.Render("  No messages yet."))
	}

	history := strings.Join(blocks, "\n\n")
	if lines := strings.Split(history, "\n"); height > 4 && len(lines) > height-4 {
		history = strings.Join(lines[len(lines)-(height-4):], "\n")
	}

	footer := theme.StyleDimmed.Render("enter:send  esc:cancel reply")
	if m.Remaining != nil {
		footer += theme.StyleDimmed.Render(fmt.Sprintf("  %d left today", *m.Remaining))
	}
	parts := []string{history, ""}
	if m.Err != "" {
		parts = append(parts, theme.StyleError.Render("✗ "+m.Err))
	}
	parts = append(parts, m.input.View(), footer)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// shown is the part of the reply in flight that is both flushed and
// revealed. Markdown is only rendered from flushed text.
func (m Model) shown() string {
	flushed := []rune(m.Flushed)
	return string(flushed[:min(len([]rune(m.Pending)), len(flushed))])
}

func (m Model) renderTurn(t Turn, width int) string {
	if t.Role == RoleUser {
		you := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorBright).Render("you")
		return you + "\n" + lipgloss.NewStyle().Width(width-4).Render(t.Content)
	}
	return assistantLabel() + "\n" + m.md.render(t.Content, width-4)
}

// render turns markdown into styled text, falling back to the raw content
// if the renderer cannot be built.
func (c *mdCache) render(content string, wrap int) string {
	if c == nil {
		return content
	}
	if c.renderer == nil || c.wrap != wrap {
		r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(wrap))
		if err != nil {
			return content
		}
		c.renderer, c.wrap = r, wrap
	}
	out, err := c.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}

func assistantLabel() string {
	return lipgloss.NewStyle().Bold(true).Foreground(theme.ColorAccent).Render("assistant")
}
