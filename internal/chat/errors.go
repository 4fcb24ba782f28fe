package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrStreamInFlight   = errors.New("chat: a reply is already streaming")
	ErrIncompleteStream = errors.New("chat: stream ended before the reply finished")
	ErrCanceled         = errors.New("chat: reply canceled")
	ErrQuotaExceeded    = errors.New("chat: daily message quota exceeded")
	ErrForbidden        = errors.New("chat: not allowed to use chat")
)

// APIError is a non-2xx response received before any streaming started.
type APIError struct {
	Status         int
	Detail         string
	RemainingToday *int
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("chat: request failed with status %d", e.Status)
	}
	return fmt.Sprintf("chat: request failed with status %d: %s", e.Status, e.Detail)
}

// Is maps quota and entitlement statuses to ErrQuotaExceeded and
// ErrForbidden.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Status == http.StatusTooManyRequests
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	}
	return false
}

// StreamError is an error event sent inside the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "chat: " + e.Message
}

type errorBody struct {
	Detail         json.RawMessage `json:"detail"`
	RemainingToday *float64        `json:"remaining_today"`
}

// parseAPIError builds an APIError from a rejected response body. The
// detail may be a plain string or any JSON value.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Detail = strings.TrimSpace(string(body))
		if apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(status)
		}
		return apiErr
	}
	if len(eb.Detail) > 0 && string(eb.Detail) != "null" {
		var s string
		if err := json.Unmarshal(eb.Detail, &s); err == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(eb.Detail)
		}
	}
	if eb.RemainingToday != nil {
		n := int(*eb.RemainingToday)
		apiErr.RemainingToday = &n
	}
	return apiErr
}
