package mockserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// FailPrefix makes the mock reply start normally and then send an error
// frame, e.g. "!fail tell me about subnets".
const FailPrefix = "!fail"

const chunkRunes = 4

type chatRequest struct {
	Message string `json:"message"`
}

// quota counts replies per token per UTC day.
type quota struct {
	limit int
	used  *cache.Cache
}

func newQuota(limit int) *quota {
	return &quota{limit: limit, used: cache.New(25*time.Hour, time.Hour)}
}

// take spends one reply and returns what is left today. It is false once
// the day's quota is gone.
func (q *quota) take(token string, now time.Time) (int, bool) {
	key := token + "|" + now.UTC().Format(time.DateOnly)
	_ = q.used.Add(key, 0, cache.DefaultExpiration)
	n, err := q.used.IncrementInt(key, 1)
	if err != nil || n > q.limit {
		return 0, false
	}
	return q.limit - n, true
}

func (s *Server) handleChat(c *gin.Context) {
	token, ok := s.authorize(c.Request)
	if !ok {
		detail(c, http.StatusUnauthorized, "Not authenticated")
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		detail(c, http.StatusUnprocessableEntity, "message is required")
		return
	}
	remaining, ok := s.quota.take(token, s.opts.Now())
	if !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"detail":          "Daily chat limit reached",
			"remaining_today": 0,
		})
		return
	}

	log := s.log.With(zap.String("route", "chat"))
	fail := strings.HasPrefix(req.Message, FailPrefix)
	reply := composeReply(strings.TrimSpace(strings.TrimPrefix(req.Message, FailPrefix)))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks := chunk(reply, chunkRunes)
	if fail {
		chunks = chunks[:len(chunks)/2]
	}
	for _, part := range chunks {
		if err := writeFrame(c, gin.H{"delta": part}); err != nil {
			return
		}
		if !sleep(ctx, s.opts.ChunkDelay) {
			log.Debug("chat client went away")
			return
		}
	}
	if fail {
		_ = writeFrame(c, gin.H{"error": "The assistant is unavailable right now"})
		return
	}
	_ = writeFrame(c, gin.H{"done": true, "remaining_today": remaining})
	log.Debug("chat reply sent", zap.Int("chunks", len(chunks)), zap.Int("remaining_today", remaining))
}

func writeFrame(c *gin.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func composeReply(message string) string {
	topic := message
	if utf8.RuneCountInString(topic) > 60 {
		topic = string([]rune(topic)[:60]) + "..."
	}
	return fmt.Sprintf("Good question about **%s**.\n\n"+
		"1. Check the interface is up with `ip link`.\n"+
		"2. Confirm the route with `ip route`.\n"+
		"3. Re-run the lab checks once both look right.", topic)
}

// chunk splits s into pieces of n runes so multibyte characters are never
// cut.
func chunk(s string, n int) []string {
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for len(runes) > 0 {
		k := min(n, len(runes))
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}
