package testrun

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/clock"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/metrics"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport/transporttest"
)

type labConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func newTestSession(t *testing.T, d *transporttest.Dialer, opts Options) *Session {
	t.Helper()
	opts.URL = "ws://runner/ws/test-run"
	opts.Dialer = d
	s := New(opts)
	t.Cleanup(s.Reset)
	return s
}

func waitState(t *testing.T, s *Session, want State) Snapshot {
	t.Helper()
	transporttest.WaitFor(t, "state "+want.String(), func() bool { return s.Snapshot().State == want })
	return s.Snapshot()
}

func waitSent(t *testing.T, conn *transporttest.Conn) []byte {
	t.Helper()
	transporttest.WaitFor(t, "config envelope", func() bool { return len(conn.Written()) == 1 })
	return conn.Written()[0]
}

func TestEndToEndGradedRun(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{Credentials: credential.Static("tok-123")})

	runID, err := s.Start(labConfig{Host: "10.0.0.5", Port: 22})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Equal(t, StateRunning, s.Snapshot().State)

	assert.JSONEq(t, `{"data":{"host":"10.0.0.5","port":22},"token":"tok-123"}`, string(waitSent(t, conn)))

	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM reachable", "status": "checking"})
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM reachable", "status": "pass", "detail": "ok"})
	conn.PushJSON(map[string]any{"type": "result", "result": map[string]any{
		"total_score": 80,
		"max_score":   100,
		"grade":       "B",
		"results":     []map[string]any{{"step": "vm", "label": "VM reachable", "status": "pass", "detail": "ok"}},
	}})

	snap := waitState(t, s, StateDone)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "vm", snap.Steps[0].Key)
	assert.Equal(t, StatusPass, snap.Steps[0].Status)
	require.NotNil(t, snap.Steps[0].Detail)
	assert.Equal(t, "ok", *snap.Steps[0].Detail)

	require.NotNil(t, snap.Result)
	assert.Equal(t, 80.0, snap.Result.TotalScore)
	assert.Equal(t, 100.0, snap.Result.MaxScore)
	assert.Equal(t, 80.0, snap.Result.Percentage)
	assert.Equal(t, "B", snap.Result.Grade)
	assert.Equal(t, runID, snap.RunID)
	assert.NoError(t, snap.Err)
	transporttest.WaitFor(t, "socket closed after result", conn.Closed)
}

func TestEnvelopeOmitsMissingToken(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{Credentials: credential.Static("")})

	_, err := s.Start(map[string]string{"lab": "dns"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"lab":"dns"}}`, string(waitSent(t, conn)))
}

func TestStartRejectsUnencodableConfig(t *testing.T) {
	s := newTestSession(t, transporttest.NewDialer(), Options{})
	_, err := s.Start(make(chan int))
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestResultReplacesStepsWholesale(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)

	conn.PushJSON(map[string]any{"type": "progress", "step": "a", "label": "A", "status": "checking"})
	conn.PushJSON(map[string]any{"type": "progress", "step": "c", "label": "C", "status": "checking"})
	conn.PushJSON(map[string]any{"type": "result", "results": []map[string]any{
		{"step": "a", "label": "A", "status": "pass"},
		{"step": "b", "label": "B", "status": "fail"},
	}})

	snap := waitState(t, s, StateDone)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, []string{"a", "b"}, []string{snap.Steps[0].Key, snap.Steps[1].Key})
	assert.Equal(t, []Status{StatusPass, StatusFail}, []Status{snap.Steps[0].Status, snap.Steps[1].Status})
	assert.Equal(t, 1, snap.PassCount())
	assert.Equal(t, 1, snap.FailCount())
}

func TestResultWithoutStepsKeepsProgress(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)

	conn.PushJSON(map[string]any{"type": "progress", "step": "dns", "label": "DNS", "status": "pass"})
	conn.PushJSON(map[string]any{"type": "result", "total_score": 10, "max_score": 40, "grade": "D"})

	snap := waitState(t, s, StateDone)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, 25.0, snap.Result.Percentage)
	assert.Equal(t, snap.Steps, snap.Result.Steps)
}

func TestEmptyResultListClearsSteps(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)

	conn.PushJSON(map[string]any{"type": "progress", "step": "dns", "label": "DNS", "status": "pass"})
	conn.PushJSON(map[string]any{"type": "result", "results": []any{}})

	snap := waitState(t, s, StateDone)
	assert.Empty(t, snap.Steps)
}

func TestServerErrorIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
		want string
	}{
		{"message", map[string]any{"type": "error", "message": "VM not found"}, "VM not found"},
		{"detail", map[string]any{"type": "error", "detail": "quota exhausted"}, "quota exhausted"},
		{"bare", map[string]any{"type": "error"}, "test run failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := transporttest.NewDialer()
			conn := transporttest.NewConn()
			d.Accept(conn)
			s := newTestSession(t, d, Options{})
			_, err := s.Start(nil)
			require.NoError(t, err)
			waitSent(t, conn)

			conn.PushJSON(tt.msg)
			snap := waitState(t, s, StateError)

			var serr *ServerError
			require.ErrorAs(t, snap.Err, &serr)
			assert.Equal(t, tt.want, serr.Message)
			transporttest.WaitFor(t, "socket closed after error", conn.Closed)
		})
	}
}

func TestUnexpectedCloseCarriesCode(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)

	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM", "status": "checking"})
	conn.Drop(4001)

	snap := waitState(t, s, StateError)
	var closed *ClosedError
	require.ErrorAs(t, snap.Err, &closed)
	assert.Equal(t, 4001, closed.Code)
	assert.Contains(t, snap.Err.Error(), "closed unexpectedly")
	assert.Len(t, snap.Steps, 1, "steps seen before the drop are kept")
	assert.Equal(t, 1, d.Dials(), "test runs must not reconnect")
}

func TestNetworkFailureIsWrapped(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)

	reset := errors.New("connection reset by peer")
	conn.Fail(reset)

	snap := waitState(t, s, StateError)
	var closed *ClosedError
	require.ErrorAs(t, snap.Err, &closed)
	assert.Equal(t, transport.CloseAbnormal, closed.Code)
	assert.ErrorIs(t, snap.Err, reset)
}

func TestConnectTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	s := newTestSession(t, d, Options{Clock: clk, ConnectTimeout: 10 * time.Second})
	_, err := s.Start(nil)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	snap := waitState(t, s, StateError)
	assert.ErrorIs(t, snap.Err, transport.ErrConnectTimeout)
}

func TestSecondStartReplacesFirst(t *testing.T) {
	d := transporttest.NewDialer()
	first := transporttest.NewConn()
	second := transporttest.NewConn()
	d.Accept(first)
	d.Accept(second)
	s := newTestSession(t, d, Options{})

	firstID, err := s.Start(map[string]int{"attempt": 1})
	require.NoError(t, err)
	waitSent(t, first)
	first.PushJSON(map[string]any{"type": "progress", "step": "old", "label": "Old", "status": "pass"})
	transporttest.WaitFor(t, "first progress", func() bool { return len(s.Snapshot().Steps) == 1 })

	secondID, err := s.Start(map[string]int{"attempt": 2})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)
	waitSent(t, second)
	assert.True(t, first.Closed())
	assert.Empty(t, s.Snapshot().Steps, "start clears prior steps")

	first.PushJSON(map[string]any{"type": "result", "results": []any{}})
	second.PushJSON(map[string]any{"type": "progress", "step": "new", "label": "New", "status": "checking"})
	transporttest.WaitFor(t, "second progress", func() bool { return len(s.Snapshot().Steps) == 1 })

	snap := s.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "new", snap.Steps[0].Key)
	assert.Equal(t, secondID, snap.RunID)
	assert.Equal(t, 2, d.Dials())
}

func TestResetIsAlwaysSafe(t *testing.T) {
	s := New(Options{Dialer: transporttest.NewDialer()})
	s.Reset()
	s.Reset()
	assert.Equal(t, StateIdle, s.Snapshot().State)

	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s = newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM", "status": "pass"})
	transporttest.WaitFor(t, "progress", func() bool { return len(s.Snapshot().Steps) == 1 })

	s.Reset()
	assert.True(t, conn.Closed())
	conn.PushJSON(map[string]any{"type": "progress", "step": "late", "label": "Late", "status": "pass"})

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Steps)
	assert.Nil(t, snap.Result)
	assert.NoError(t, snap.Err)
	assert.Empty(t, snap.RunID)
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	m := metrics.New(nil)
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{Metrics: m})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)

	conn.Push([]byte("not json"))
	conn.PushJSON(map[string]any{"type": "heartbeat"})
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm"})
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM", "status": "exploded"})
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM", "status": "pass"})

	transporttest.WaitFor(t, "valid progress", func() bool { return len(s.Snapshot().Steps) == 1 })
	assert.Equal(t, StateRunning, s.Snapshot().State)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues(kind)))
}

func TestOnChangeSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var states []State
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{OnChange: func(snap Snapshot) {
		mu.Lock()
		states = append(states, snap.State)
		mu.Unlock()
	}})

	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM", "status": "pass"})
	conn.PushJSON(map[string]any{"type": "result", "total_score": 1, "max_score": 1})
	waitState(t, s, StateDone)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateRunning, StateDone}, states)
}

func TestSnapshotCounters(t *testing.T) {
	snap := Snapshot{Steps: []Step{
		{Key: "a", Status: StatusPass},
		{Key: "b", Status: StatusFail},
		{Key: "c", Status: StatusChecking},
		{Key: "d", Status: StatusPass},
		{Key: "e", Status: StatusWaiting},
	}}
	assert.Equal(t, 2, snap.PassCount())
	assert.Equal(t, 1, snap.FailCount())
	done, total := snap.Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 5, total)
}

func TestSnapshotIsACopy(t *testing.T) {
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	s := newTestSession(t, d, Options{})
	_, err := s.Start(nil)
	require.NoError(t, err)
	waitSent(t, conn)
	conn.PushJSON(map[string]any{"type": "progress", "step": "vm", "label": "VM", "status": "pass", "detail": "up"})
	transporttest.WaitFor(t, "progress", func() bool { return len(s.Snapshot().Steps) == 1 })

	snap := s.Snapshot()
	snap.Steps[0].Status = StatusFail
	*snap.Steps[0].Detail = "mutated"

	again := s.Snapshot()
	assert.Equal(t, StatusPass, again.Steps[0].Status)
	assert.Equal(t, "up", *again.Steps[0].Detail)
}

func TestUpsertKeepsFirstPositionAndLastValue(t *testing.T) {
	type event struct {
		Key    string
		Status Status
	}
	genEvent := gopter.CombineGens(
		gen.OneConstOf("vm", "dns", "ssh", "web", "db"),
		gen.OneConstOf(StatusWaiting, StatusChecking, StatusPass, StatusFail),
	).Map(func(v []interface{}) event {
		return event{Key: v[0].(string), Status: v[1].(Status)}
	})

	properties := gopter.NewProperties(nil)
	properties.Property("upsert is first-seen order, last value", prop.ForAll(
		func(events []event) bool {
			var steps []Step
			index := map[string]int{}
			var order []string
			last := map[string]Status{}
			for _, ev := range events {
				if _, seen := last[ev.Key]; !seen {
					order = append(order, ev.Key)
				}
				last[ev.Key] = ev.Status
				steps = upsert(steps, index, Step{Key: ev.Key, Label: ev.Key, Status: ev.Status})
			}
			if len(steps) != len(order) {
				return false
			}
			for i, key := range order {
				if steps[i].Key != key || steps[i].Status != last[key] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genEvent),
	))
	properties.TestingRun(t)
}

func TestInboundDecodesNestedAndInlineResult(t *testing.T) {
	var nested, inline inbound
	require.NoError(t, json.Unmarshal([]byte(`{"type":"result","result":{"grade":"A","results":[]}}`), &nested))
	require.NoError(t, json.Unmarshal([]byte(`{"type":"result","grade":"C"}`), &inline))

	require.NotNil(t, nested.Result)
	assert.Equal(t, "A", *nested.Result.Grade)
	require.NotNil(t, nested.Result.Results)
	assert.Empty(t, *nested.Result.Results)
	assert.Nil(t, nested.Grade)

	assert.Nil(t, inline.Result)
	assert.Equal(t, "C", *inline.Grade)
}

func TestReplacedRunNeverReportsLate(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	d := transporttest.NewDialer()
	d.Accept(transporttest.NewConn())
	d.Accept(transporttest.NewConn())
	s := newTestSession(t, d, Options{OnChange: func(snap Snapshot) {
		mu.Lock()
		ids = append(ids, snap.RunID)
		mu.Unlock()
	}})

	first, err := s.Start(nil)
	require.NoError(t, err)
	s.mu.Lock()
	staleRun, staleSnap := s.run, s.snapshotLocked()
	s.mu.Unlock()

	second, err := s.Start(nil)
	require.NoError(t, err)

	// A snapshot taken by the first run just before it was replaced.
	s.notify(staleRun, staleSnap)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ids)
	assert.Equal(t, second, ids[len(ids)-1])
	assert.Equal(t, []string{first, second}, ids[:2])
	for _, id := range ids[2:] {
		assert.Equal(t, second, id)
	}
}
