package transport_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/clock"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/metrics"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport/transporttest"
)

// recorder collects socket callbacks.
type recorder struct {
	mu       sync.Mutex
	opens    int
	messages []string
	closes   []transport.CloseEvent
	errs     []error
	states   []transport.State
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnMessage: func(data []byte) {
			r.mu.Lock()
			r.messages = append(r.messages, string(data))
			r.mu.Unlock()
		},
		OnClose: func(ev transport.CloseEvent) {
			r.mu.Lock()
			r.closes = append(r.closes, ev)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnState: func(s transport.State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (opens, closes, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, len(r.closes), len(r.errs)
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newSocket(d transport.Dialer, clk clock.Clock, reconnect bool, policy transport.Policy) *transport.Socket {
	return transport.New(d, transport.Options{
		Name:           "test",
		ConnectTimeout: 10 * time.Second,
		Reconnect:      reconnect,
		Policy:         policy,
		Clock:          clk,
	})
}

func TestSocketOpenSendAndReceive(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	rec := &recorder{}

	s := newSocket(d, clk, false, transport.DefaultPolicy())
	if err := s.Send([]byte("early")); !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("Send before open = %v, want ErrNotOpen", err)
	}

	s.Open("ws://example/ws", rec.handlers())
	transporttest.WaitFor(t, "open", func() bool { o, _, _ := rec.counts(); return o == 1 })

	if got := s.State(); got != transport.StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}
	if err := s.SendJSON(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	if w := conn.Written(); len(w) != 1 || string(w[0]) != `{"hello":"world"}` {
		t.Errorf("written = %q", w)
	}

	conn.Push([]byte("one"))
	conn.Push([]byte("two"))
	transporttest.WaitFor(t, "messages", func() bool { return rec.messageCount() == 2 })

	s.Close()
	if !conn.Closed() {
		t.Error("Close did not close the connection")
	}
	if got := s.State(); got != transport.StateClosed {
		t.Errorf("State() after Close = %v, want closed", got)
	}
	if _, closes, _ := rec.counts(); closes != 0 {
		t.Errorf("intentional close delivered %d OnClose callbacks", closes)
	}
}

func TestSocketReconnectsWithBackoffAndResetsAttempt(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	first := transporttest.NewConn()
	d.Accept(first)
	rec := &recorder{}

	s := newSocket(d, clk, true, transport.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10})
	s.Open("ws://example/feed", rec.handlers())
	transporttest.WaitFor(t, "open", func() bool { o, _, _ := rec.counts(); return o == 1 })

	// Server drops; the redial fails twice, then succeeds.
	d.Reject(errors.New("connection refused"))
	d.Reject(errors.New("connection refused"))
	second := transporttest.NewConn()
	d.Accept(second)
	first.Drop(websocket.CloseGoingAway)

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		attempt := i + 1
		transporttest.WaitFor(t, "reconnect scheduled", func() bool { return s.Attempt() == attempt })
		if got := clk.Pending(); got != 1 {
			t.Fatalf("pending timers = %d, want 1", got)
		}
		when, _ := clk.NextDeadline()
		if got := when.Sub(clk.Now()); got != want {
			t.Fatalf("reconnect %d delay = %v, want %v", attempt, got, want)
		}
		clk.Advance(want)
		transporttest.WaitFor(t, "dial", func() bool { return d.Dials() == attempt+1 })
	}

	transporttest.WaitFor(t, "reopen", func() bool { o, _, _ := rec.counts(); return o == 2 })
	if got := s.Attempt(); got != 0 {
		t.Errorf("Attempt() after successful open = %d, want 0", got)
	}

	// A fresh drop starts again from the base delay.
	second.Drop(websocket.CloseAbnormalClosure)
	transporttest.WaitFor(t, "reconnect scheduled", func() bool { return s.Attempt() == 1 })
	when, _ := clk.NextDeadline()
	if got := when.Sub(clk.Now()); got != time.Second {
		t.Errorf("delay after reset = %v, want 1s", got)
	}
	s.Close()
	if clk.Pending() != 0 {
		t.Errorf("Close left %d timers pending", clk.Pending())
	}
}

func TestSocketReportsExhaustion(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	d.Reject(errors.New("refused"))
	d.Reject(errors.New("refused"))
	rec := &recorder{}

	s := newSocket(d, clk, true, transport.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 2})
	s.Open("ws://example/feed", rec.handlers())
	transporttest.WaitFor(t, "open", func() bool { o, _, _ := rec.counts(); return o == 1 })
	conn.Drop(websocket.CloseAbnormalClosure)

	for i := 1; i <= 2; i++ {
		attempt := i
		transporttest.WaitFor(t, "reconnect scheduled", func() bool { return s.Attempt() == attempt })
		clk.Advance(time.Duration(1<<(attempt-1)) * time.Second)
		transporttest.WaitFor(t, "dial", func() bool { return d.Dials() == attempt+1 })
	}

	transporttest.WaitFor(t, "exhaustion", func() bool {
		return errors.Is(rec.lastErr(), transport.ErrReconnectExhausted)
	})
	var exhausted *transport.ReconnectExhaustedError
	if !errors.As(rec.lastErr(), &exhausted) || exhausted.Attempts != 2 {
		t.Fatalf("last error = %v, want ReconnectExhaustedError with 2 attempts", rec.lastErr())
	}
	if clk.Pending() != 0 {
		t.Errorf("timers pending after exhaustion: %d", clk.Pending())
	}
	if d.Dials() != 3 {
		t.Errorf("Dials() = %d, want 3", d.Dials())
	}
}

func TestSocketConnectTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer() // empty script: dial hangs
	rec := &recorder{}

	s := newSocket(d, clk, false, transport.DefaultPolicy())
	s.Open("ws://unreachable/ws", rec.handlers())
	if got := s.State(); got != transport.StateConnecting {
		t.Fatalf("State() = %v, want connecting", got)
	}

	clk.Advance(10 * time.Second)
	transporttest.WaitFor(t, "timeout", func() bool { _, c, e := rec.counts(); return c == 1 && e == 1 })
	if err := rec.lastErr(); !errors.Is(err, transport.ErrConnectTimeout) {
		t.Errorf("error = %v, want ErrConnectTimeout", err)
	}
	if got := s.State(); got != transport.StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
}

func TestSocketWithoutReconnectStaysDown(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)
	rec := &recorder{}

	s := newSocket(d, clk, false, transport.DefaultPolicy())
	s.Open("ws://example/ws", rec.handlers())
	transporttest.WaitFor(t, "open", func() bool { o, _, _ := rec.counts(); return o == 1 })

	conn.Drop(4000)
	transporttest.WaitFor(t, "close", func() bool { _, c, _ := rec.counts(); return c == 1 })
	rec.mu.Lock()
	code := rec.closes[0].Code
	rec.mu.Unlock()
	if code != 4000 {
		t.Errorf("close code = %d, want 4000", code)
	}
	if clk.Pending() != 0 {
		t.Errorf("reconnect scheduled with reconnection disabled")
	}
	if _, _, errs := rec.counts(); errs != 0 {
		t.Errorf("clean close frame reported %d errors", errs)
	}
}

func TestSocketCloseInsideCloseHandlerSuppressesReconnect(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)

	var s *transport.Socket
	closed := make(chan struct{})
	s = newSocket(d, clk, true, transport.DefaultPolicy())
	s.Open("ws://example/ws", transport.Handlers{
		OnClose: func(transport.CloseEvent) {
			s.Close()
			close(closed)
		},
	})
	transporttest.WaitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	conn.Fail(errors.New("connection reset by peer"))
	<-closed
	if clk.Pending() != 0 {
		t.Errorf("reconnect scheduled after Close in handler (%d timers)", clk.Pending())
	}
}

func TestSocketReopenDropsStaleCallbacks(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	oldConn := transporttest.NewConn()
	newConn := transporttest.NewConn()
	d.Accept(oldConn)
	d.Accept(newConn)
	oldRec, newRec := &recorder{}, &recorder{}

	s := newSocket(d, clk, true, transport.DefaultPolicy())
	s.Open("ws://example/a", oldRec.handlers())
	transporttest.WaitFor(t, "first open", func() bool { o, _, _ := oldRec.counts(); return o == 1 })

	s.Open("ws://example/b", newRec.handlers())
	transporttest.WaitFor(t, "second open", func() bool { o, _, _ := newRec.counts(); return o == 1 })
	if !oldConn.Closed() {
		t.Fatal("replaced connection left open")
	}

	oldConn.Push([]byte("late"))
	newConn.Push([]byte("fresh"))
	transporttest.WaitFor(t, "fresh message", func() bool { return newRec.messageCount() == 1 })

	if n := oldRec.messageCount(); n != 0 {
		t.Errorf("stale connection delivered %d messages", n)
	}
	if _, closes, _ := oldRec.counts(); closes != 0 {
		t.Errorf("stale connection delivered %d closes", closes)
	}
	if clk.Pending() != 0 {
		t.Errorf("replacement scheduled a reconnect")
	}
	s.Close()
}

func TestSocketKeepalivePings(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)

	s := transport.New(d, transport.Options{PingInterval: 30 * time.Second, Clock: clk})
	s.Open("ws://example/ws", transport.Handlers{})
	transporttest.WaitFor(t, "open", func() bool { return s.State() == transport.StateOpen })

	clk.Advance(95 * time.Second)
	if got := conn.Pings(); got != 3 {
		t.Errorf("pings = %d, want 3", got)
	}
	s.Close()
	if clk.Pending() != 0 {
		t.Errorf("ping timer survived Close")
	}
}

func TestSocketRecordsMetrics(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := metrics.New(nil)
	d := transporttest.NewDialer()
	conn := transporttest.NewConn()
	d.Accept(conn)

	s := transport.New(d, transport.Options{Name: "telemetry", Reconnect: true, Clock: clk, Metrics: m})
	s.Open("ws://example/ws", transport.Handlers{})
	transporttest.WaitFor(t, "open", func() bool { return s.State() == transport.StateOpen })
	conn.Drop(websocket.CloseGoingAway)
	transporttest.WaitFor(t, "reconnect counted", func() bool {
		return testutil.ToFloat64(m.Reconnects.WithLabelValues("telemetry")) == 1
	})

	if got := testutil.ToFloat64(m.Connects.WithLabelValues("telemetry")); got != 1 {
		t.Errorf("connects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Disconnects.WithLabelValues("telemetry")); got != 1 {
		t.Errorf("disconnects = %v, want 1", got)
	}
	s.Close()
}

// dialTestWS starts a gorilla server that echoes text frames back.
func dialTestWS(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	return srv
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	srv := dialTestWS(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rec := &recorder{}
	s := transport.New(transport.NewWebsocketDialer(5*time.Second), transport.Options{})
	s.Open(wsURL+"/?token=secret", rec.handlers())
	transporttest.WaitFor(t, "open", func() bool { o, _, _ := rec.counts(); return o == 1 })

	if err := s.Send([]byte("ping?")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	transporttest.WaitFor(t, "echo", func() bool { return rec.messageCount() == 1 })
	s.Close()
}

func TestWebsocketDialerHandshakeRejected(t *testing.T) {
	srv := dialTestWS(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rec := &recorder{}
	s := transport.New(transport.NewWebsocketDialer(5*time.Second), transport.Options{})
	s.Open(wsURL+"/?token=wrong", rec.handlers())
	transporttest.WaitFor(t, "failure", func() bool { _, c, e := rec.counts(); return c == 1 && e == 1 })

	var hs *transport.HandshakeError
	if !errors.As(rec.lastErr(), &hs) || hs.Status != http.StatusUnauthorized {
		t.Errorf("error = %v, want HandshakeError 401", rec.lastErr())
	}
}
