package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/clock"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/metrics"
)

const writeTimeout = 10 * time.Second

// Handlers receive socket events. Every field is optional. Callbacks for a
// connection stop as soon as Close or a new Open is called; they are never
// invoked with the socket lock held, so they may call back into the socket.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(CloseEvent)
	OnError   func(error)
	OnState   func(State)
}

// Options configure a Socket.
type Options struct {
	// Name labels logs and metrics, e.g. "telemetry".
	Name           string
	ConnectTimeout time.Duration
	// Reconnect enables backoff reconnection after an unexpected close.
	Reconnect    bool
	Policy       Policy
	PingInterval time.Duration
	Header       http.Header
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Socket is a WebSocket connection with a connect timeout and optional
// backoff reconnection. It holds at most one connection and at most one
// pending reconnect timer.
type Socket struct {
	dialer  Dialer
	opts    Options
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex // serialises conn writes (payloads, pings, close frame)

	mu              sync.Mutex
	url             string
	h               Handlers
	state           State
	conn            Conn
	gen             uint64
	attempt         int
	shouldReconnect bool
	retry           clock.Timer
	dialTimer       clock.Timer
	cancelDial      context.CancelFunc
	ping            clock.Timer
}

// New creates an idle socket.
func New(dialer Dialer, opts Options) *Socket {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Name == "" {
		opts.Name = "socket"
	}
	return &Socket{
		dialer:  dialer,
		opts:    opts,
		clock:   opts.Clock,
		log:     logging.OrNop(opts.Logger).With(zap.String("feed", opts.Name)),
		metrics: opts.Metrics,
	}
}

// Open tears down any current connection and dials url. Connection progress
// and failures are reported through h.
func (s *Socket) Open(url string, h Handlers) {
	s.mu.Lock()
	old := s.teardownLocked()
	s.url = url
	s.h = h
	s.shouldReconnect = s.opts.Reconnect
	s.attempt = 0
	gen := s.gen
	s.mu.Unlock()

	s.closeConn(old)
	s.connect(gen)
}

// Close tears the connection down, cancels any pending reconnect and drops
// every later callback from the old connection. It never blocks on the
// network beyond the close frame write deadline.
func (s *Socket) Close() {
	s.mu.Lock()
	conn := s.teardownLocked()
	gen := s.gen
	s.mu.Unlock()

	s.closeConn(conn)

	s.mu.Lock()
	if s.gen == gen {
		s.state = StateClosed
	}
	s.mu.Unlock()
}

// Send writes one text message. It fails with ErrNotOpen unless the socket
// is open.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	setWriteDeadline(conn, time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SendJSON marshals v and sends it as one text message.
func (s *Socket) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode message: %w", err)
	}
	return s.Send(data)
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of reconnect attempts since the last open.
func (s *Socket) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Socket) connect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	timedOut := new(atomic.Bool)
	s.cancelDial = cancel
	s.dialTimer = s.clock.AfterFunc(s.opts.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	s.state = StateConnecting
	url, h := s.url, s.h
	s.mu.Unlock()

	s.deliver(gen, func() {
		if h.OnState != nil {
			h.OnState(StateConnecting)
		}
	})
	go s.dial(ctx, cancel, gen, url, timedOut)
}

func (s *Socket) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, url string, timedOut *atomic.Bool) {
	defer cancel()
	conn, err := s.dialer.Dial(ctx, url, s.opts.Header.Clone())

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if s.dialTimer != nil {
		s.dialTimer.Stop()
		s.dialTimer = nil
	}
	s.cancelDial = nil
	h := s.h

	if err != nil {
		reason := "error"
		if timedOut.Load() {
			reason = "timeout"
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, s.opts.ConnectTimeout)
		}
		s.state = StateClosed
		attempt := s.attempt
		s.mu.Unlock()

		s.metrics.ConnectFailed(s.opts.Name, reason)
		s.log.Warn("connect failed", zap.Error(err), zap.Int("attempt", attempt))
		s.down(gen, h, CloseEvent{Code: CloseAbnormal, Err: err}, err)
		return
	}

	s.conn = conn
	s.state = StateOpen
	s.attempt = 0
	s.startPingLocked(gen, conn)
	s.mu.Unlock()

	s.metrics.Connected(s.opts.Name)
	s.log.Debug("connected")
	s.deliver(gen, func() {
		if h.OnState != nil {
			h.OnState(StateOpen)
		}
	})
	s.deliver(gen, func() {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})
	go s.readLoop(gen, conn)
}

func (s *Socket) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.conn = nil
			s.state = StateClosed
			s.stopPingLocked()
			h := s.h
			s.mu.Unlock()

			conn.Close()
			ev := closeEventFrom(err)
			var reported error
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				reported = err
			}
			s.metrics.Disconnected(s.opts.Name)
			s.log.Info("connection closed", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
			s.down(gen, h, ev, reported)
			return
		}

		s.mu.Lock()
		current := gen == s.gen
		h := s.h
		s.mu.Unlock()
		if !current {
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

// down reports a lost connection: state, then the error if any, then the
// close. A reconnect is considered only after the close handler returned, so
// a handler that calls Close suppresses it.
func (s *Socket) down(gen uint64, h Handlers, ev CloseEvent, err error) {
	s.deliver(gen, func() {
		if h.OnState != nil {
			h.OnState(StateClosed)
		}
	})
	if err != nil {
		s.deliver(gen, func() {
			if h.OnError != nil {
				h.OnError(err)
			}
		})
	}
	s.deliver(gen, func() {
		if h.OnClose != nil {
			h.OnClose(ev)
		}
	})
	s.scheduleReconnect(gen, ev)
}

func (s *Socket) scheduleReconnect(gen uint64, last CloseEvent) {
	s.mu.Lock()
	if gen != s.gen || !s.shouldReconnect || s.retry != nil {
		s.mu.Unlock()
		return
	}
	if s.opts.Policy.Exhausted(s.attempt) {
		s.shouldReconnect = false
		attempts := s.attempt
		h := s.h
		s.mu.Unlock()

		err := &ReconnectExhaustedError{Attempts: attempts, Last: last}
		s.log.Error("reconnect exhausted", zap.Int("attempts", attempts))
		s.deliver(gen, func() {
			if h.OnError != nil {
				h.OnError(err)
			}
		})
		return
	}

	s.attempt++
	attempt := s.attempt
	delay := s.opts.Policy.Delay(attempt)
	s.retry = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.gen || !s.shouldReconnect {
			s.mu.Unlock()
			return
		}
		s.retry = nil
		s.mu.Unlock()
		s.connect(gen)
	})
	s.mu.Unlock()

	s.metrics.Reconnecting(s.opts.Name)
	s.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// teardownLocked invalidates the current generation and releases every
// timer. The caller closes the returned connection outside the lock.
func (s *Socket) teardownLocked() Conn {
	s.gen++
	s.shouldReconnect = false
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.dialTimer != nil {
		s.dialTimer.Stop()
		s.dialTimer = nil
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.stopPingLocked()

	conn := s.conn
	s.conn = nil
	switch {
	case conn != nil:
		s.state = StateClosing
	case s.state != StateIdle:
		s.state = StateClosed
	}
	return conn
}

func (s *Socket) closeConn(conn Conn) {
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	setWriteDeadline(conn, time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""))
	s.writeMu.Unlock()
	conn.Close()
}

func (s *Socket) startPingLocked(gen uint64, conn Conn) {
	if s.opts.PingInterval <= 0 {
		return
	}
	s.ping = s.clock.AfterFunc(s.opts.PingInterval, func() { s.pingTick(gen, conn) })
}

func (s *Socket) pingTick(gen uint64, conn Conn) {
	s.mu.Lock()
	if gen != s.gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	setWriteDeadline(conn, time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.PingMessage, nil)
	s.writeMu.Unlock()
	if err != nil {
		// The read loop observes the broken connection.
		return
	}

	s.mu.Lock()
	if gen == s.gen && s.conn == conn {
		s.startPingLocked(gen, conn)
	}
	s.mu.Unlock()
}

func (s *Socket) stopPingLocked() {
	if s.ping != nil {
		s.ping.Stop()
		s.ping = nil
	}
}

// deliver runs fn only while gen is still the live generation.
func (s *Socket) deliver(gen uint64, fn func()) {
	s.mu.Lock()
	current := gen == s.gen
	s.mu.Unlock()
	if current {
		fn()
	}
}

func setWriteDeadline(conn Conn, t time.Time) {
	if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(t)
	}
}
