// Package telemetry follows the live VPN traffic feed. The socket reconnects
// with backoff after drops; every message replaces the previous snapshot.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
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

const kind = "telemetry"

// ErrNotProvisioned is returned by Subscribe when the user has no VPN
// profile yet.
var ErrNotProvisioned = errors.New("telemetry: vpn is not provisioned")

// Options configure a Session.
type Options struct {
	// URL of the feed, e.g. ws://host/ws/vpn/traffic. The token is added as
	// a query parameter.
	URL         string
	Dialer      transport.Dialer
	Credentials credential.Provider
	// Entitlement gates Subscribe. Nil means always provisioned.
	Entitlement Entitlement

	ConnectTimeout time.Duration
	Policy         transport.Policy
	PingInterval   time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Callbacks must not call Subscribe or Unsubscribe.
	OnSnapshot func(Snapshot)
	OnState    func(transport.State)
	// OnError receives transport failures. Drops are retried on their own;
	// a ReconnectExhaustedError is final.
	OnError func(error)
}

// Session holds one feed subscription.
type Session struct {
	opts Options
	log  *zap.Logger
	warn rate.Sometimes

	// emitMu orders callbacks so a replaced subscription never reports
	// after its successor.
	emitMu sync.Mutex

	mu     sync.Mutex
	sub    uint64
	socket *transport.Socket
	latest *Snapshot
}

// New returns an unsubscribed session.
func New(opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebsocketDialer(opts.ConnectTimeout)
	}
	if opts.Entitlement == nil {
		opts.Entitlement = Always
	}
	return &Session{
		opts: opts,
		log:  logging.OrNop(opts.Logger).With(zap.String("session", kind)),
		warn: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// Subscribe checks the entitlement and then opens the feed, replacing any
// current subscription. Without an entitlement or a token it returns an
// error and opens nothing.
func (s *Session) Subscribe(ctx context.Context) error {
	ok, err := s.opts.Entitlement.Provisioned(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: check entitlement: %w", err)
	}
	if !ok {
		s.log.Debug("feed not subscribed, vpn not provisioned")
		return ErrNotProvisioned
	}
	token, ok := credential.Lookup(s.opts.Credentials)
	if !ok {
		return credential.ErrNoToken
	}
	feedURL, err := withToken(s.opts.URL, token)
	if err != nil {
		return err
	}

	subID := uuid.NewString()
	sock := transport.New(s.opts.Dialer, transport.Options{
		Name:           kind,
		ConnectTimeout: s.opts.ConnectTimeout,
		Reconnect:      true,
		Policy:         s.opts.Policy,
		PingInterval:   s.opts.PingInterval,
		Clock:          s.opts.Clock,
		Logger:         s.opts.Logger,
		Metrics:        s.opts.Metrics,
	})

	s.mu.Lock()
	old := s.socket
	s.sub++
	sub := s.sub
	s.socket = sock
	s.latest = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
		s.opts.Metrics.SessionEnded(kind, "replaced")
	}
	s.opts.Metrics.SessionStarted(kind)
	s.log.Info("subscribing to traffic feed", zap.String("run_id", subID))

	sock.Open(feedURL, transport.Handlers{
		OnMessage: func(data []byte) { s.onMessage(sub, data) },
		OnState: func(st transport.State) {
			if s.opts.OnState != nil {
				s.emit(sub, func() { s.opts.OnState(st) })
			}
		},
		OnError: func(err error) {
			if s.opts.OnError != nil {
				s.emit(sub, func() { s.opts.OnError(err) })
			}
		},
	})
	return nil
}

// Unsubscribe closes the feed and forgets the last snapshot.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	old := s.socket
	s.sub++
	s.socket = nil
	s.latest = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
		s.opts.Metrics.SessionEnded(kind, "unsubscribed")
	}
}

// Snapshot returns the latest snapshot, if one arrived since Subscribe.
func (s *Session) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// IsLive reports whether the latest snapshot shows an active tunnel.
func (s *Session) IsLive() bool {
	snap, ok := s.Snapshot()
	return ok && snap.IsLive()
}

// State returns the feed socket's state, or idle without a subscription.
func (s *Session) State() transport.State {
	s.mu.Lock()
	sock := s.socket
	s.mu.Unlock()
	if sock == nil {
		return transport.StateIdle
	}
	return sock.State()
}

func (s *Session) onMessage(sub uint64, data []byte) {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		s.drop(sub, "non-object snapshot")
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.drop(sub, "malformed snapshot", zap.Error(err))
		return
	}

	s.mu.Lock()
	if sub != s.sub {
		s.mu.Unlock()
		return
	}
	s.latest = &snap
	s.mu.Unlock()

	s.opts.Metrics.MessageAccepted(kind)
	if s.opts.OnSnapshot != nil {
		s.emit(sub, func() { s.opts.OnSnapshot(snap) })
	}
}

// emit runs fn under emitMu if sub is still the live subscription.
func (s *Session) emit(sub uint64, fn func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.current(sub) {
		fn()
	}
}

func (s *Session) drop(sub uint64, what string, fields ...zap.Field) {
	if !s.current(sub) {
		return
	}
	s.opts.Metrics.FrameDropped(kind, 1)
	s.warn.Do(func() {
		s.log.Warn("ignoring "+what, fields...)
	})
}

func (s *Session) current(sub uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sub == s.sub
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("telemetry: parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
