// Package credential supplies bearer tokens to sessions. Token storage and
// refresh belong to the caller.
package credential

import "errors"

// ErrNoToken is returned when an operation needs a token and none is set.
var ErrNoToken = errors.New("credential: no token available")

// Provider returns the current bearer token, or false when signed out.
type Provider interface {
	Token() (string, bool)
}

// Static is a fixed token. The empty string means no token.
type Static string

func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// Func adapts a plain function to Provider.
type Func func() (string, bool)

func (f Func) Token() (string, bool) {
	return f()
}

// Lookup returns the token from p, treating a nil provider as signed out.
func Lookup(p Provider) (string, bool) {
	if p == nil {
		return "", false
	}
	tok, ok := p.Token()
	if tok == "" {
		return "", false
	}
	return tok, ok
}
