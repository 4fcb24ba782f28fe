package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name   string
		p      Provider
		want   string
		wantOK bool
	}{
		{"nil provider", nil, "", false},
		{"empty static", Static(""), "", false},
		{"static", Static("abc"), "abc", true},
		{"func signed out", Func(func() (string, bool) { return "", false }), "", false},
		{"func empty but ok", Func(func() (string, bool) { return "", true }), "", false},
		{"func", Func(func() (string, bool) { return "xyz", true }), "xyz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(tt.p)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
