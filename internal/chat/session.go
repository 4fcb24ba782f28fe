// Package chat streams one assistant reply at a time. Deltas accumulate in
// an authoritative buffer that is published to observers at a throttled
// rate, while a separate cursor reveals it a few characters per tick.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/clock"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/eventstream"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/metrics"
)

const (
	kind = "chat"

	DefaultFlushInterval  = 400 * time.Millisecond
	DefaultRevealInterval = 24 * time.Millisecond
	DefaultRevealStep     = 3

	maxErrorBody = 64 << 10
)

// Options configure a Session. Callbacks run on the goroutine that called
// Send or on the clock's timer goroutine; they must not call Send.
type Options struct {
	// URL of the streaming endpoint, e.g. http://host/api/chat/stream.
	URL         string
	Client      *resty.Client
	Credentials credential.Provider

	FlushInterval  time.Duration
	RevealInterval time.Duration
	// RevealStep is how many runes each reveal tick uncovers.
	RevealStep int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// OnFlush receives the whole reply received so far, at most once per
	// FlushInterval.
	OnFlush func(content string)
	// OnReveal receives the revealed prefix after every reveal tick.
	OnReveal func(visible string)
	// OnDone receives the final reply exactly once.
	OnDone func(content string, remainingToday *int)
	// OnError signals that the pending reply must be rolled back.
	OnError func(err error)
}

// Session allows a single reply in flight.
type Session struct {
	opts   Options
	client *resty.Client
	clock  clock.Clock
	log    *zap.Logger

	// emitMu orders observer callbacks so nothing is published for a
	// stream after its final or error callback.
	emitMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	inFlight    bool
	cancel      context.CancelFunc
	buf         buffer
	lastFlush   time.Time
	flushTimer  clock.Timer
	revealTimer clock.Timer
}

// New returns an idle session.
func New(opts Options) *Session {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.RevealInterval <= 0 {
		opts.RevealInterval = DefaultRevealInterval
	}
	if opts.RevealStep <= 0 {
		opts.RevealStep = DefaultRevealStep
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	log := logging.OrNop(opts.Logger).With(zap.String("session", kind))
	client := opts.Client
	if client == nil {
		client = resty.New().SetLogger(log.Sugar())
	}
	return &Session{
		opts:   opts,
		client: client,
		clock:  opts.Clock,
		log:    log,
	}
}

// Send posts message and streams the reply until it finishes, fails or is
// canceled. It returns nil once OnDone has run, the error passed to OnError
// on failure, or ErrCanceled when Cancel or ctx ended the stream.
func (s *Session) Send(ctx context.Context, message string) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrStreamInFlight
	}
	s.gen++
	gen := s.gen
	s.inFlight = true
	s.buf.reset()
	s.lastFlush = time.Time{}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	streamID := uuid.NewString()
	log := s.log.With(zap.String("run_id", streamID))
	s.opts.Metrics.SessionStarted(kind)

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(map[string]string{"message": message}).
		SetDoNotParseResponse(true)
	if token, ok := credential.Lookup(s.opts.Credentials); ok {
		req.SetAuthToken(token)
	}

	resp, err := req.Post(s.opts.URL)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return s.fail(gen, log, fmt.Errorf("chat: request: %w", err), "error")
	}
	body := resp.RawBody()
	defer body.Close()

	if !resp.IsSuccess() {
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return s.fail(gen, log, parseAPIError(resp.StatusCode(), raw), "rejected")
	}
	log.Debug("reply streaming")

	var (
		parser   eventstream.Parser
		terminal error
		finished bool
	)
	scanErr := eventstream.Scan(body, &parser, func(ev eventstream.Event) bool {
		switch ev.Kind {
		case eventstream.KindDelta:
			return s.appendDelta(gen, ev.Delta)
		case eventstream.KindDone:
			finished = true
			terminal = s.complete(gen, log, ev.RemainingToday)
		case eventstream.KindError:
			finished = true
			terminal = s.fail(gen, log, &StreamError{Message: ev.Error}, "error")
		}
		return false
	})
	s.opts.Metrics.FrameDropped(kind, parser.Dropped())

	switch {
	case finished:
		return terminal
	case scanErr != nil:
		if ctx.Err() != nil {
			scanErr = ctx.Err()
		}
		return s.fail(gen, log, fmt.Errorf("chat: read stream: %w", scanErr), "error")
	default:
		return s.fail(gen, log, ErrIncompleteStream, "error")
	}
}

// Cancel aborts the reply in flight. No further callbacks run for it and
// OnError is not called.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.inFlight {
		s.mu.Unlock()
		return
	}
	s.endLocked()
	s.mu.Unlock()
	s.opts.Metrics.SessionEnded(kind, "canceled")
}

// Streaming reports whether a reply is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Progress returns the reveal cursor and the received length, in runes.
func (s *Session) Progress() (cursor, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.cursor, len(s.buf.text)
}

// appendDelta reports whether the stream is still current.
func (s *Session) appendDelta(gen uint64, delta string) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.buf.append(delta)
	s.startRevealLocked(gen)

	if s.flushTimer != nil {
		// A trailing flush is pending and will carry this delta.
		s.mu.Unlock()
		return true
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.lastFlush)
	if s.lastFlush.IsZero() || elapsed >= s.opts.FlushInterval {
		s.lastFlush = now
		content := s.buf.content()
		s.mu.Unlock()
		s.emit(gen, func() { s.publish(content) })
		return true
	}
	s.flushTimer = s.clock.AfterFunc(s.opts.FlushInterval-elapsed, func() { s.trailingFlush(gen) })
	s.mu.Unlock()
	return true
}

func (s *Session) trailingFlush(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.flushTimer = nil
	s.lastFlush = s.clock.Now()
	content := s.buf.content()
	s.mu.Unlock()
	s.emit(gen, func() { s.publish(content) })
}

func (s *Session) startRevealLocked(gen uint64) {
	if s.revealTimer != nil || !s.buf.hidden() {
		return
	}
	s.revealTimer = s.clock.AfterFunc(s.opts.RevealInterval, func() { s.revealTick(gen) })
}

func (s *Session) revealTick(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.revealTimer = nil
	s.buf.advance(s.opts.RevealStep)
	visible := s.buf.visible()
	s.startRevealLocked(gen)
	s.mu.Unlock()

	s.emit(gen, func() {
		if s.opts.OnReveal != nil {
			s.opts.OnReveal(visible)
		}
	})
}

func (s *Session) complete(gen uint64, log *zap.Logger, remaining *int) error {
	s.emitMu.Lock()
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return ErrCanceled
	}
	s.buf.revealAll()
	content := s.buf.content()
	s.endLocked()
	s.mu.Unlock()
	s.emitMu.Unlock()

	s.opts.Metrics.SessionEnded(kind, "done")
	fields := []zap.Field{zap.Int("runes", len([]rune(content)))}
	if remaining != nil {
		fields = append(fields, zap.Int("remaining_today", *remaining))
	}
	log.Info("reply finished", fields...)

	if s.opts.OnReveal != nil {
		s.opts.OnReveal(content)
	}
	if s.opts.OnDone != nil {
		s.opts.OnDone(content, remaining)
	}
	return nil
}

// fail ends the stream with err unless it was already canceled, in which
// case it returns ErrCanceled without calling OnError.
func (s *Session) fail(gen uint64, log *zap.Logger, err error, outcome string) error {
	s.emitMu.Lock()
	s.mu.Lock()
	if gen != s.gen || !s.inFlight {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return ErrCanceled
	}
	s.endLocked()
	s.mu.Unlock()
	s.emitMu.Unlock()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.opts.Metrics.SessionEnded(kind, "canceled")
		return ErrCanceled
	}
	s.opts.Metrics.SessionEnded(kind, outcome)
	log.Warn("reply failed", zap.Error(err))
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
	return err
}

// endLocked invalidates the stream, stops both timers and clears the
// buffer.
func (s *Session) endLocked() {
	s.gen++
	s.inFlight = false
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.revealTimer != nil {
		s.revealTimer.Stop()
		s.revealTimer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.buf.reset()
	s.lastFlush = time.Time{}
}

// emit runs fn under emitMu if gen is still the live stream.
func (s *Session) emit(gen uint64, fn func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	current := gen == s.gen
	s.mu.Unlock()
	if current {
		fn()
	}
}

func (s *Session) publish(content string) {
	if s.opts.OnFlush != nil {
		s.opts.OnFlush(content)
	}
}
