// Package mockserver is a local stand-in for the portal backend. It serves
// the test runner socket, the streaming chat endpoint, the VPN traffic feed
// and its entitlement check, all behind the same token check.
package mockserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
)

// TokenHeader is accepted alongside bearer auth and the token query param.
const TokenHeader = "X-Prep-Token"

type Options struct {
	// Tokens accepted by every route. Empty accepts any non-empty token.
	Tokens []string
	// ChatQuota is the number of replies per token per day. Zero disables chat.
	ChatQuota int
	// TickInterval paces the traffic feed.
	TickInterval time.Duration
	// StepDelay paces test run checks; ChunkDelay paces chat chunks.
	StepDelay  time.Duration
	ChunkDelay time.Duration
	// Provisioned decides which tokens have a VPN profile. Nil means all.
	Provisioned    func(token string) bool
	AllowedOrigins []string
	Development    bool

	// Now is used for the daily chat quota.
	Now      func() time.Time
	Logger   *zap.Logger
	Registry *prometheus.Registry
}

type Server struct {
	opts     Options
	log      *zap.Logger
	router   *gin.Engine
	quota    *quota
	traffic  *Feed
	requests *prometheus.CounterVec

	tokens         map[string]bool
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func New(opts Options) *Server {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Provisioned == nil {
		opts.Provisioned = func(string) bool { return true }
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	log := logging.OrNop(opts.Logger).Named("mockserver")

	s := &Server{
		opts:           opts,
		log:            log,
		quota:          newQuota(opts.ChatQuota),
		traffic:        newFeed(log, opts.TickInterval),
		tokens:         make(map[string]bool),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		requests: promauto.With(opts.Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "prep_mock_requests_total",
			Help: "Requests served by the mock backend",
		}, []string{"route", "status"}),
	}
	for _, tok := range opts.Tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			s.tokens[tok] = true
		}
	}
	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Feed exposes the traffic feed so callers can run its ticker.
func (s *Server) Feed() *Feed { return s.traffic }

func (s *Server) routes() *gin.Engine {
	if !s.opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.observe())

	r.GET("/ws/test-run", s.handleTestRun)
	r.POST("/api/chat/stream", s.handleChat)
	r.GET("/api/vpn/config", s.handleEntitlement)
	r.GET("/ws/vpn/traffic", s.handleTraffic)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "feed_clients": s.traffic.ClientCount()})
	})
	return r
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{CheckOrigin: s.checkOrigin}
}

// authorize returns the caller's token when it is accepted.
func (s *Server) authorize(r *http.Request) (string, bool) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, s.valid(tok)
	}
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return tok, s.valid(tok)
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		tok := strings.TrimPrefix(auth, "Bearer ")
		return tok, s.valid(tok)
	}
	return "", false
}

func (s *Server) valid(token string) bool {
	if token == "" {
		return false
	}
	return len(s.tokens) == 0 || s.tokens[token]
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func detail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}
