package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseRunnerCrashed is sent when a scripted run is told to drop mid-way.
const CloseRunnerCrashed = 4001

type check struct {
	Key   string
	Label string
}

var defaultChecks = []check{
	{"gateway", "Default gateway reachable"},
	{"dns", "DNS resolves lab hosts"},
	{"web", "Web service answers on :80"},
	{"firewall", "Firewall allows only SSH and HTTP"},
	{"ssh", "SSH password login disabled"},
}

// RunConfig is the data a client may send to script the run. Unknown
// fields are ignored.
type RunConfig struct {
	// Checks overrides the default checklist by key.
	Checks []string `json:"checks"`
	// Fail lists the check keys that should fail.
	Fail []string `json:"fail"`
	// DropAfter closes the socket with CloseRunnerCrashed after this many
	// finished checks. Zero never drops.
	DropAfter int `json:"drop_after"`
	// Reject makes the runner answer with an error message.
	Reject string `json:"reject"`
}

type runEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Token string          `json:"token"`
}

type progressMsg struct {
	Type   string  `json:"type,omitempty"`
	Step   string  `json:"step"`
	Label  string  `json:"label"`
	Status string  `json:"status"`
	Detail *string `json:"detail"`
}

type resultMsg struct {
	Type       string        `json:"type"`
	TotalScore float64       `json:"total_score"`
	MaxScore   float64       `json:"max_score"`
	Percentage float64       `json:"percentage"`
	Grade      string        `json:"grade"`
	Results    []progressMsg `json:"results"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handleTestRun(c *gin.Context) {
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("test run upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.log.With(zap.String("route", "test_run"), zap.String("remote", c.Request.RemoteAddr))

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var env runEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		log.Warn("read run request", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	token := env.Token
	if token == "" {
		token, _ = s.authorize(c.Request)
	}
	if !s.valid(token) {
		writeError(conn, "unauthorized")
		return
	}

	var cfg RunConfig
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &cfg); err != nil {
			writeError(conn, fmt.Sprintf("invalid run config: %v", err))
			return
		}
	}
	if cfg.Reject != "" {
		writeError(conn, cfg.Reject)
		return
	}

	// The client leaving ends the script early.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info("test run started", zap.Int("checks", len(checksFor(cfg))))
	s.script(ctx, conn, cfg, log)
}

func (s *Server) script(ctx context.Context, conn *websocket.Conn, cfg RunConfig, log *zap.Logger) {
	checks := checksFor(cfg)
	results := make([]progressMsg, 0, len(checks))
	var passed int

	for i, ch := range checks {
		if err := conn.WriteJSON(progressMsg{Type: "progress", Step: ch.Key, Label: ch.Label, Status: "checking"}); err != nil {
			return
		}
		if !sleep(ctx, s.opts.StepDelay) {
			return
		}

		step := progressMsg{Type: "progress", Step: ch.Key, Label: ch.Label, Status: "pass"}
		if slices.Contains(cfg.Fail, ch.Key) {
			d := fmt.Sprintf("%s check did not pass", ch.Key)
			step.Status, step.Detail = "fail", &d
		} else {
			passed++
		}
		if err := conn.WriteJSON(step); err != nil {
			return
		}
		results = append(results, step)

		if cfg.DropAfter > 0 && i+1 >= cfg.DropAfter {
			log.Info("dropping test run on request", zap.Int("after", i+1))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseRunnerCrashed, "runner crashed"),
				time.Now().Add(time.Second))
			return
		}
	}

	res := grade(passed, len(checks))
	for i := range results {
		results[i].Type = ""
	}
	res.Results = results
	if err := conn.WriteJSON(res); err != nil {
		return
	}
	log.Info("test run graded", zap.String("grade", res.Grade), zap.Float64("percentage", res.Percentage))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
}

func checksFor(cfg RunConfig) []check {
	if len(cfg.Checks) == 0 {
		return defaultChecks
	}
	out := make([]check, 0, len(cfg.Checks))
	for _, key := range cfg.Checks {
		label := key
		for _, d := range defaultChecks {
			if d.Key == key {
				label = d.Label
			}
		}
		out = append(out, check{Key: key, Label: label})
	}
	return out
}

// grade scores 20 points per check.
func grade(passed, total int) resultMsg {
	res := resultMsg{Type: "result", TotalScore: float64(passed * 20), MaxScore: float64(total * 20)}
	if res.MaxScore > 0 {
		res.Percentage = math.Round(res.TotalScore/res.MaxScore*1000) / 10
	}
	switch {
	case res.Percentage >= 90:
		res.Grade = "A"
	case res.Percentage >= 80:
		res.Grade = "B"
	case res.Percentage >= 70:
		res.Grade = "C"
	case res.Percentage >= 60:
		res.Grade = "D"
	default:
		res.Grade = "F"
	}
	return res
}

func writeError(conn *websocket.Conn, msg string) {
	_ = conn.WriteJSON(errorMsg{Type: "error", Message: msg})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// sleep waits d or until ctx ends, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
