package testrun

import "fmt"

// ServerError is an error message sent by the runner.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "testrun: " + e.Message
}

// ClosedError reports a connection that went down before a result arrived.
type ClosedError struct {
	Code   int
	Reason string
	// Err is the transport failure that preceded the close, if any.
	Err error
}

func (e *ClosedError) Error() string {
	msg := fmt.Sprintf("testrun: connection closed unexpectedly (code %d)", e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ClosedError) Unwrap() error { return e.Err }
