// Package testrun drives one graded lab check over a WebSocket: it sends the
// submitted configuration, folds progress events into an ordered checklist
// and ends with the runner's result or an error.
package testrun

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/clock"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/metrics"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
)

const kind = "test_run"

// Options configure a Session.
type Options struct {
	// URL of the runner socket, e.g. ws://host/ws/test-run.
	URL            string
	Dialer         transport.Dialer
	Credentials    credential.Provider
	ConnectTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	// OnChange receives a snapshot after every state change. It must not
	// call Start or Reset.
	OnChange func(Snapshot)
}

// Session owns at most one runner connection. A dropped connection ends the
// run; it is never retried.
type Session struct {
	opts Options
	log  *zap.Logger
	warn rate.Sometimes

	// emitMu orders OnChange calls so a replaced run never reports after
	// its successor.
	emitMu sync.Mutex

	mu       sync.Mutex
	run      uint64
	socket   *transport.Socket
	runID    string
	state    State
	steps    []Step
	index    map[string]int
	result   *Result
	err      error
	lastDown error
}

// New returns an idle session.
func New(opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebsocketDialer(opts.ConnectTimeout)
	}
	return &Session{
		opts: opts,
		log:  logging.OrNop(opts.Logger).With(zap.String("session", kind)),
		warn: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Start abandons any current run, clears all state and opens a fresh
// connection. The configuration is sent as soon as the socket opens. It
// returns the new run id.
func (s *Session) Start(config any) (string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("testrun: encode config: %w", err)
	}
	token, _ := credential.Lookup(s.opts.Credentials)
	payload, err := json.Marshal(envelope{Data: data, Token: token})
	if err != nil {
		return "", fmt.Errorf("testrun: encode envelope: %w", err)
	}

	runID := uuid.NewString()
	sock := transport.New(s.opts.Dialer, transport.Options{
		Name:           kind,
		ConnectTimeout: s.opts.ConnectTimeout,
		Clock:          s.opts.Clock,
		Logger:         s.opts.Logger,
		Metrics:        s.opts.Metrics,
	})

	s.mu.Lock()
	old := s.socket
	replaced := s.state == StateRunning
	s.run++
	run := s.run
	s.socket = sock
	s.runID = runID
	s.state = StateRunning
	s.steps = nil
	s.index = make(map[string]int)
	s.result = nil
	s.err = nil
	s.lastDown = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if replaced {
		s.opts.Metrics.SessionEnded(kind, "replaced")
	}
	s.opts.Metrics.SessionStarted(kind)
	s.log.Info("test run started", zap.String("run_id", runID))
	s.notify(run, snap)

	sock.Open(s.opts.URL, transport.Handlers{
		OnOpen:    func() { s.onOpen(run, sock, payload) },
		OnMessage: func(data []byte) { s.onMessage(run, data) },
		OnError:   func(err error) { s.onTransportError(run, err) },
		OnClose:   func(ev transport.CloseEvent) { s.onClose(run, ev) },
	})
	return runID, nil
}

// Reset closes the connection, drops every accumulated step and returns to
// idle. It is safe to call at any time.
func (s *Session) Reset() {
	s.mu.Lock()
	old := s.socket
	wasRunning := s.state == StateRunning
	s.run++
	run := s.run
	s.socket = nil
	s.runID = ""
	s.state = StateIdle
	s.steps = nil
	s.index = nil
	s.result = nil
	s.err = nil
	s.lastDown = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if wasRunning {
		s.opts.Metrics.SessionEnded(kind, "reset")
	}
	s.notify(run, snap)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) onOpen(run uint64, sock *transport.Socket, payload []byte) {
	if err := sock.Send(payload); err != nil {
		s.fail(run, fmt.Errorf("testrun: send config: %w", err), "error")
	}
}

func (s *Session) onMessage(run uint64, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.drop(run, "malformed message", zap.Error(err))
		return
	}
	switch msg.Type {
	case "progress":
		s.progress(run, msg)
	case "result":
		s.complete(run, msg)
	case "error":
		s.fail(run, &ServerError{Message: errorMessage(msg)}, "error")
	default:
		s.drop(run, "unknown message type", zap.String("type", msg.Type))
	}
}

func (s *Session) progress(run uint64, msg inbound) {
	if msg.Step == nil || *msg.Step == "" || msg.Label == nil || msg.Status == nil || !msg.Status.valid() {
		s.drop(run, "incomplete progress event")
		return
	}
	step := Step{Key: *msg.Step, Label: *msg.Label, Status: *msg.Status, Detail: msg.Detail}

	s.mu.Lock()
	if run != s.run || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.steps = upsert(s.steps, s.index, step)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.opts.Metrics.MessageAccepted(kind)
	s.notify(run, snap)
}

// upsert replaces the step with the same key in place or appends it.
func upsert(steps []Step, index map[string]int, step Step) []Step {
	if i, ok := index[step.Key]; ok {
		steps[i] = step
		return steps
	}
	index[step.Key] = len(steps)
	return append(steps, step)
}

func (s *Session) complete(run uint64, msg inbound) {
	fields := msg.resultFields
	if msg.Result != nil && !msg.Result.empty() {
		fields = *msg.Result
	}

	s.mu.Lock()
	if run != s.run || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	if fields.Results != nil {
		// The final list is authoritative, even when empty.
		s.steps = cloneSteps(*fields.Results)
		if s.steps == nil {
			s.steps = []Step{}
		}
		s.index = make(map[string]int, len(s.steps))
		for i, st := range s.steps {
			s.index[st.Key] = i
		}
	}
	res := &Result{Steps: cloneSteps(s.steps)}
	if fields.TotalScore != nil {
		res.TotalScore = *fields.TotalScore
	}
	if fields.MaxScore != nil {
		res.MaxScore = *fields.MaxScore
	}
	switch {
	case fields.Percentage != nil:
		res.Percentage = *fields.Percentage
	case res.MaxScore > 0:
		res.Percentage = res.TotalScore / res.MaxScore * 100
	}
	if fields.Grade != nil {
		res.Grade = *fields.Grade
	}
	s.result = res
	s.state = StateDone
	sock := s.socket
	runID := s.runID
	snap := s.snapshotLocked()
	s.mu.Unlock()

	sock.Close()
	s.opts.Metrics.SessionEnded(kind, "done")
	s.log.Info("test run finished",
		zap.String("run_id", runID),
		zap.Float64("score", res.TotalScore),
		zap.Float64("max_score", res.MaxScore),
		zap.String("grade", res.Grade),
	)
	s.notify(run, snap)
}

func (s *Session) fail(run uint64, err error, outcome string) {
	s.mu.Lock()
	if run != s.run || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.err = err
	sock := s.socket
	runID := s.runID
	snap := s.snapshotLocked()
	s.mu.Unlock()

	sock.Close()
	s.opts.Metrics.SessionEnded(kind, outcome)
	s.log.Warn("test run failed", zap.String("run_id", runID), zap.Error(err))
	s.notify(run, snap)
}

func (s *Session) onTransportError(run uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run == s.run {
		s.lastDown = err
	}
}

func (s *Session) onClose(run uint64, ev transport.CloseEvent) {
	s.mu.Lock()
	cause := s.lastDown
	s.mu.Unlock()
	s.fail(run, &ClosedError{Code: ev.Code, Reason: ev.Reason, Err: cause}, "closed")
}

func (s *Session) drop(run uint64, what string, fields ...zap.Field) {
	s.mu.Lock()
	current := run == s.run
	s.mu.Unlock()
	if !current {
		return
	}
	s.opts.Metrics.FrameDropped(kind, 1)
	s.warn.Do(func() {
		s.log.Warn("ignoring "+what, fields...)
	})
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		RunID: s.runID,
		State: s.state,
		Steps: cloneSteps(s.steps),
		Err:   s.err,
	}
	if s.result != nil {
		r := *s.result
		r.Steps = cloneSteps(s.result.Steps)
		snap.Result = &r
	}
	return snap
}

// notify delivers snap if run is still the current run.
func (s *Session) notify(run uint64, snap Snapshot) {
	if s.opts.OnChange == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	current := run == s.run
	s.mu.Unlock()
	if current {
		s.opts.OnChange(snap)
	}
}

func errorMessage(msg inbound) string {
	switch {
	case msg.Message != "":
		return msg.Message
	case msg.Detail != nil && *msg.Detail != "":
		return *msg.Detail
	case msg.Error != "":
		return msg.Error
	default:
		return "test run failed"
	}
}
