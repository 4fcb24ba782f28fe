package testrun

import "encoding/json"

// Status is the state of one checked step.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusChecking Status = "checking"
	StatusPass     Status = "pass"
	StatusFail     Status = "fail"
)

func (s Status) valid() bool {
	switch s {
	case StatusWaiting, StatusChecking, StatusPass, StatusFail:
		return true
	}
	return false
}

// Finished reports whether the step reached pass or fail.
func (s Status) Finished() bool {
	return s == StatusPass || s == StatusFail
}

// Step is one line of the checklist, keyed by Key.
type Step struct {
	Key    string  `json:"step"`
	Label  string  `json:"label"`
	Status Status  `json:"status"`
	Detail *string `json:"detail"`
}

// Result is the graded outcome sent when the run finishes.
type Result struct {
	TotalScore float64 `json:"total_score"`
	MaxScore   float64 `json:"max_score"`
	Percentage float64 `json:"percentage"`
	Grade      string  `json:"grade"`
	Steps      []Step  `json:"results"`
}

// State is the run's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a copy of the session state, safe to keep.
type Snapshot struct {
	RunID  string
	State  State
	Steps  []Step
	Result *Result
	Err    error
}

// PassCount is the number of steps currently passing.
func (s Snapshot) PassCount() int { return countStatus(s.Steps, StatusPass) }

// FailCount is the number of steps currently failing.
func (s Snapshot) FailCount() int { return countStatus(s.Steps, StatusFail) }

// Progress returns how many steps have finished out of those seen.
func (s Snapshot) Progress() (finished, total int) {
	for _, st := range s.Steps {
		if st.Status.Finished() {
			finished++
		}
	}
	return finished, len(s.Steps)
}

func countStatus(steps []Step, status Status) int {
	n := 0
	for _, st := range steps {
		if st.Status == status {
			n++
		}
	}
	return n
}

// envelope is the single message sent once the socket opens.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Token string          `json:"token,omitempty"`
}

// inbound covers all three message types. The result may be inline or
// nested under "result".
type inbound struct {
	Type string `json:"type"`

	Step   *string `json:"step"`
	Label  *string `json:"label"`
	Status *Status `json:"status"`
	Detail *string `json:"detail"`

	Message string `json:"message"`
	Error   string `json:"error"`

	resultFields
	Result *resultFields `json:"result"`
}

type resultFields struct {
	TotalScore *float64 `json:"total_score"`
	MaxScore   *float64 `json:"max_score"`
	Percentage *float64 `json:"percentage"`
	Grade      *string  `json:"grade"`
	Results    *[]Step  `json:"results"`
}

func (r resultFields) empty() bool {
	return r.TotalScore == nil && r.MaxScore == nil && r.Percentage == nil && r.Grade == nil && r.Results == nil
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, st := range steps {
		out[i] = st
		if st.Detail != nil {
			d := *st.Detail
			out[i].Detail = &d
		}
	}
	return out
}
