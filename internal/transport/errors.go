package transport

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectTimeout     = errors.New("transport: connect timed out")
	ErrNotOpen            = errors.New("transport: socket is not open")
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Close codes used when the peer did not send one.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// CloseEvent describes why a connection went down.
type CloseEvent struct {
	Code   int
	Reason string
	Err    error
}

// Clean reports whether the peer closed with a normal close frame.
func (e CloseEvent) Clean() bool {
	return e.Code == CloseNormal
}

func closeEventFrom(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseEvent{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return CloseEvent{Code: CloseAbnormal, Err: err}
}

// ReconnectExhaustedError is the terminal failure reported once the policy
// has no attempts left.
type ReconnectExhaustedError struct {
	Attempts int
	Last     CloseEvent
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("transport: gave up after %d reconnect attempts (last close code %d)", e.Attempts, e.Last.Code)
}

func (e *ReconnectExhaustedError) Is(target error) bool {
	return target == ErrReconnectExhausted
}

// HandshakeError is a dial rejected by the server with an HTTP status, e.g.
// 401 for a bad token.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake rejected with status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
