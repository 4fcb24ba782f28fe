package app

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/chat"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/telemetry"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/testrun"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
)

// Messages posted by session callbacks.
type (
	RunChangedMsg struct{ Snap testrun.Snapshot }

	ChatFlushMsg  struct{ Content string }
	ChatRevealMsg struct{ Visible string }
	ChatDoneMsg   struct {
		Content   string
		Remaining *int
	}
	ChatErrorMsg struct{ Err error }

	FeedSnapshotMsg struct{ Snap telemetry.Snapshot }
	FeedStateMsg    struct{ State transport.State }
	FeedErrorMsg    struct{ Err error }
)

// Bridge carries session callbacks, which run on session and timer
// goroutines, into the Bubble Tea loop in the order they were posted.
type Bridge struct {
	ch   chan tea.Msg
	done chan struct{}
	once sync.Once
}

func NewBridge(buffer int) *Bridge {
	return &Bridge{ch: make(chan tea.Msg, buffer), done: make(chan struct{})}
}

// Post queues msg. It blocks while the buffer is full and returns at once
// after Close.
func (b *Bridge) Post(msg tea.Msg) {
	select {
	case b.ch <- msg:
	case <-b.done:
	}
}

// Wait returns a command that delivers the next posted message. Issue it
// again after each delivery.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.ch:
			return msg
		case <-b.done:
			return nil
		}
	}
}

// Close releases blocked posters and waiters.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
}

// WireTestRun routes run snapshots through the bridge.
func (b *Bridge) WireTestRun(o *testrun.Options) {
	o.OnChange = func(s testrun.Snapshot) { b.Post(RunChangedMsg{Snap: s}) }
}

// WireChat routes the reply stream through the bridge.
func (b *Bridge) WireChat(o *chat.Options) {
	o.OnFlush = func(content string) { b.Post(ChatFlushMsg{Content: content}) }
	o.OnReveal = func(visible string) { b.Post(ChatRevealMsg{Visible: visible}) }
	o.OnDone = func(content string, remaining *int) {
		b.Post(ChatDoneMsg{Content: content, Remaining: remaining})
	}
	o.OnError = func(err error) { b.Post(ChatErrorMsg{Err: err}) }
}

// WireTelemetry routes the feed through the bridge.
func (b *Bridge) WireTelemetry(o *telemetry.Options) {
	o.OnSnapshot = func(s telemetry.Snapshot) { b.Post(FeedSnapshotMsg{Snap: s}) }
	o.OnState = func(st transport.State) { b.Post(FeedStateMsg{State: st}) }
	o.OnError = func(err error) { b.Post(FeedErrorMsg{Err: err}) }
}
