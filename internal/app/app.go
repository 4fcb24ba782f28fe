package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/chat"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/telemetry"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/testrun"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/theme"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/views/chatview"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/views/debug"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/views/runner"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/views/status"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/views/traffic"
)

// Runner is the part of *testrun.Session the UI drives.
type Runner interface {
	Start(config any) (string, error)
	Reset()
}

// Chatter is the part of *chat.Session the UI drives.
type Chatter interface {
	Send(ctx context.Context, message string) error
	Cancel()
}

// Feed is the part of *telemetry.Session the UI drives.
type Feed interface {
	Subscribe(ctx context.Context) error
	Unsubscribe()
}

type Deps struct {
	Runner Runner
	Chat   Chatter
	Feed   Feed
	Bridge *Bridge
	// RunConfig is sent with every test run.
	RunConfig any
}

// Tab identifies the visible panel.
type Tab int

const (
	TabRun Tab = iota
	TabChat
	TabTraffic
	tabCount
)

func (t Tab) String() string {
	switch t {
	case TabRun:
		return "Lab checks"
	case TabChat:
		return "Assistant"
	case TabTraffic:
		return "VPN traffic"
	default:
		return "?"
	}
}

type (
	runStartedMsg struct {
		id  string
		err error
	}
	chatSentMsg   struct{ err error }
	subscribedMsg struct{ err error }
)

// Model is the root Bubble Tea model.
type Model struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	keys    KeyMap
	width   int
	height  int
	tab     Tab
	showLog bool

	statusBar status.Model
	runner    runner.Model
	chat      chatview.Model
	traffic   traffic.Model
	log       debug.Model

	runState   testrun.State
	subscribed bool
}

// New creates the root model.
func New(deps Deps) Model {
	if deps.Bridge == nil {
		deps.Bridge = NewBridge(64)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		runner:    runner.New(),
		chat:      chatview.New(),
		traffic:   traffic.New(),
		log:       debug.New(),
	}
}

// Init starts draining session events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.deps.Bridge.Wait(), textinput.Blink)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	next := m.deps.Bridge.Wait()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.statusBar.Width = msg.Width
		m.runner.Width = msg.Width
		m.chat.SetWidth(msg.Width)
		m.traffic.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case RunChangedMsg:
		m.runner.Set(msg.Snap)
		m.statusBar.Run = msg.Snap.State.String()
		if msg.Snap.State != m.runState {
			m.runState = msg.Snap.State
			m.logRun(msg.Snap)
		}
		return m, next

	case ChatFlushMsg:
		m.chat.Flush(msg.Content)
		return m, next

	case ChatRevealMsg:
		m.chat.Reveal(msg.Visible)
		return m, next

	case ChatDoneMsg:
		m.chat.Done(msg.Content, msg.Remaining)
		m.statusBar.Streaming = false
		m.statusBar.Remaining = m.chat.Remaining
		m.log.Add("chat", fmt.Sprintf("reply finished (%d chars)", len([]rune(msg.Content))))
		return m, next

	case ChatErrorMsg:
		m.chat.Fail(msg.Err)
		m.statusBar.Streaming = false
		if apiErr := (*chat.APIError)(nil); errors.As(msg.Err, &apiErr) && apiErr.RemainingToday != nil {
			m.chat.Remaining = apiErr.RemainingToday
			m.statusBar.Remaining = apiErr.RemainingToday
		}
		m.log.Add("err", "chat: "+msg.Err.Error())
		return m, next

	case chatSentMsg:
		switch {
		case errors.Is(msg.err, chat.ErrCanceled):
			m.chat.Abort()
			m.statusBar.Streaming = false
			m.log.Add("chat", "reply canceled")
		case errors.Is(msg.err, chat.ErrStreamInFlight):
			m.log.Add("chat", "a reply is already streaming")
		}
		return m, nil

	case FeedSnapshotMsg:
		anim := m.traffic.SetSnapshot(msg.Snap)
		return m, tea.Batch(anim, next)

	case FeedStateMsg:
		m.traffic.State = msg.State
		m.statusBar.Feed = msg.State
		m.log.Add("vpn", "feed "+msg.State.String())
		return m, next

	case FeedErrorMsg:
		m.traffic.Err = msg.Err.Error()
		m.log.Add("err", "vpn: "+msg.Err.Error())
		return m, next

	case traffic.FrameMsg:
		cmd := m.traffic.Animate(msg)
		return m, cmd

	case runStartedMsg:
		if msg.err != nil {
			m.log.Add("err", "run: "+msg.err.Error())
		} else {
			m.log.Add("run", "started "+msg.id)
		}
		return m, nil

	case subscribedMsg:
		if msg.err != nil {
			m.subscribed = false
			m.traffic.Subscribed = false
			m.traffic.Err = subscribeError(msg.err)
			m.log.Add("err", "vpn: "+msg.err.Error())
		}
		return m, nil
	}

	if m.tab == TabChat {
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.ForceQuit) {
		return m.quit()
	}
	if m.showLog {
		switch {
		case key.Matches(msg, m.keys.Cancel), key.Matches(msg, m.keys.Log):
			m.showLog = false
		case key.Matches(msg, m.keys.ScrollUp):
			m.log.ScrollUp(5)
		case key.Matches(msg, m.keys.ScrollDn):
			m.log.ScrollDown(5)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Log):
		m.showLog = true
		return m, nil
	case key.Matches(msg, m.keys.NextTab):
		m.tab = (m.tab + 1) % tabCount
		return m, nil
	case key.Matches(msg, m.keys.PrevTab):
		m.tab = (m.tab + tabCount - 1) % tabCount
		return m, nil
	}

	if m.tab == TabChat {
		return m.handleChatKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()
	case key.Matches(msg, m.keys.TabRun):
		m.tab = TabRun
	case key.Matches(msg, m.keys.TabChat):
		m.tab = TabChat
	case key.Matches(msg, m.keys.TabFeed):
		m.tab = TabTraffic
	case m.tab == TabRun && key.Matches(msg, m.keys.Run):
		return m, m.startRun()
	case m.tab == TabRun && key.Matches(msg, m.keys.Reset):
		if m.deps.Runner != nil {
			m.deps.Runner.Reset()
			m.log.Add("run", "reset")
		}
	case m.tab == TabTraffic && key.Matches(msg, m.keys.Subscribe):
		return m.toggleFeed()
	}
	return m, nil
}

func (m Model) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Send):
		if m.deps.Chat == nil {
			return m, nil
		}
		text, ok := m.chat.Submit()
		if !ok {
			return m, nil
		}
		m.statusBar.Streaming = true
		m.log.Add("chat", "sent message")
		chatter, ctx := m.deps.Chat, m.ctx
		return m, func() tea.Msg {
			return chatSentMsg{err: chatter.Send(ctx, text)}
		}
	case key.Matches(msg, m.keys.Cancel):
		if m.deps.Chat != nil && m.chat.Streaming {
			m.deps.Chat.Cancel()
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.chat, cmd = m.chat.Update(msg)
	return m, cmd
}

func (m Model) startRun() tea.Cmd {
	if m.deps.Runner == nil {
		return nil
	}
	r, cfg := m.deps.Runner, m.deps.RunConfig
	return func() tea.Msg {
		id, err := r.Start(cfg)
		return runStartedMsg{id: id, err: err}
	}
}

func (m Model) toggleFeed() (tea.Model, tea.Cmd) {
	if m.deps.Feed == nil {
		return m, nil
	}
	if m.subscribed {
		m.deps.Feed.Unsubscribe()
		m.subscribed = false
		m.traffic.Subscribed = false
		m.traffic.Reset()
		m.traffic.State = transport.StateIdle
		m.statusBar.Feed = transport.StateIdle
		m.log.Add("vpn", "unsubscribed")
		return m, nil
	}
	m.subscribed = true
	m.traffic.Subscribed = true
	m.traffic.Err = ""
	feed, ctx := m.deps.Feed, m.ctx
	return m, func() tea.Msg {
		return subscribedMsg{err: feed.Subscribe(ctx)}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	if m.deps.Chat != nil {
		m.deps.Chat.Cancel()
	}
	if m.deps.Feed != nil {
		m.deps.Feed.Unsubscribe()
	}
	m.deps.Bridge.Close()
	return m, tea.Quit
}

func (m *Model) logRun(s testrun.Snapshot) {
	switch s.State {
	case testrun.StateDone:
		if s.Result != nil {
			m.log.Add("run", fmt.Sprintf("graded %s (%.1f%%)", s.Result.Grade, s.Result.Percentage))
			return
		}
		m.log.Add("run", "done")
	case testrun.StateError:
		m.log.Add("err", "run: "+s.Err.Error())
	default:
		m.log.Add("run", s.State.String())
	}
}

func subscribeError(err error) string {
	switch {
	case errors.Is(err, telemetry.ErrNotProvisioned):
		return "No VPN profile yet. Download your lab config first."
	case errors.Is(err, credential.ErrNoToken):
		return "Not signed in."
	default:
		return err.Error()
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showLog {
		return m.log.View(m.width, m.height)
	}

	bodyHeight := max(m.height-7, 5)
	var body string
	switch m.tab {
	case TabRun:
		body = m.runner.View()
	case TabChat:
		body = m.chat.View(bodyHeight)
	case TabTraffic:
		body = m.traffic.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		m.renderTabs(),
		"",
		body,
		"",
		theme.StyleDimmed.Render("  "+m.help()),
	)
}

func (m Model) renderTabs() string {
	tabs := make([]string, 0, tabCount)
	for t := Tab(0); t < tabCount; t++ {
		style := theme.StyleTab
		if t == m.tab {
			style = theme.StyleTabActive
		}
		tabs = append(tabs, style.Render(fmt.Sprintf("%d %s", t+1, t)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) help() string {
	switch m.tab {
	case TabRun:
		return "r:run  x:reset  tab:switch  ctrl+l:log  q:quit"
	case TabChat:
		return "enter:send  esc:cancel  tab:switch  ctrl+l:log  ctrl+c:quit"
	default:
		return "s:follow/stop  tab:switch  ctrl+l:log  q:quit"
	}
}
