package chatview

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func typed(m Model, s string) Model {
	for _, r := range s {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func TestSubmit(t *testing.T) {
	m := New()
	if _, ok := m.Submit(); ok {
		t.Fatal("empty input must not submit")
	}

	m = typed(m, "  hello  ")
	msg, ok := m.Submit()
	if !ok || msg != "hello" {
		t.Fatalf("Submit() = %q, %v", msg, ok)
	}
	if !m.Streaming || len(m.Turns) != 1 || m.Turns[0].Role != RoleUser {
		t.Fatalf("unexpected state after submit: %+v", m.Turns)
	}

	m = typed(m, "again")
	if _, ok := m.Submit(); ok {
		t.Error("must not submit while a reply is streaming")
	}
}

func TestRevealAndDone(t *testing.T) {
	m := New()
	m = typed(m, "q")
	m.Submit()

	m.Reveal("Hel")
	if m.Pending != "Hel" {
		t.Errorf("Pending = %q", m.Pending)
	}

	left := 2
	m.Done("Hello **there**", &left)
	if m.Streaming || m.Pending != "" {
		t.Error("done should clear the pending reply")
	}
	if len(m.Turns) != 2 || m.Turns[1].Content != "Hello **there**" {
		t.Errorf("turns = %+v", m.Turns)
	}
	if m.Remaining == nil || *m.Remaining != 2 {
		t.Error("remaining not recorded")
	}

	m.Reveal("late")
	if m.Pending != "" {
		t.Error("reveal after done must be ignored")
	}
}

func TestFailRollsBack(t *testing.T) {
	m := New()
	m = typed(m, "q")
	m.Submit()
	m.Reveal("partial")

	m.Fail(errors.New("assistant unavailable"))
	if m.Streaming || m.Pending != "" || len(m.Turns) != 1 {
		t.Error("failed reply should be rolled back")
	}
	if !strings.Contains(m.View(20), "assistant unavailable") {
		t.Error("error should be shown")
	}
}

func TestViewShowsPendingCursor(t *testing.T) {
	m := New()
	m.SetWidth(60)
	if !strings.Contains(m.View(20), "No messages yet") {
		t.Error("empty history hint missing")
	}
	m = typed(m, "q")
	m.Submit()
	m.Flush("Thinking")
	m.Reveal("Thinking")
	if !strings.Contains(m.View(20), "Thinking") {
		t.Error("pending text should be visible")
	}
}

func TestShownIsFlushedAndRevealed(t *testing.T) {
	tests := []struct {
		name             string
		flushed, visible string
		want             string
	}{
		{"nothing flushed yet", "", "Hel", ""},
		{"reveal behind flush", "Hello **wor", "Hel", "Hel"},
		{"reveal ahead of flush", "Hello", "Hello **world**", "Hello"},
		{"caught up", "héllo", "héllo", "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m = typed(m, "q")
			m.Submit()
			m.Flush(tt.flushed)
			m.Reveal(tt.visible)
			if got := m.shown(); got != tt.want {
				t.Errorf("shown() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlushIgnoredWhenIdle(t *testing.T) {
	m := New()
	m.Flush("late")
	if m.Flushed != "" {
		t.Error("flush without a reply in flight must be ignored")
	}

	m = typed(m, "q")
	m.Submit()
	m.Flush("partial")
	m.Done("partial reply", nil)
	if m.Flushed != "" {
		t.Error("done should clear the flushed copy")
	}
}

func TestHistoryLimit(t *testing.T) {
	m := New()
	for range maxTurns + 10 {
		m.push(Turn{Role: RoleUser, Content: "x"})
	}
	if len(m.Turns) != maxTurns {
		t.Errorf("got %d turns, want %d", len(m.Turns), maxTurns)
	}
}
