package mockserver

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/telemetry"
)

const feedBuffer = 16

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newFeedClient(conn *websocket.Conn) *feedClient {
	c := &feedClient{conn: conn, send: make(chan []byte, feedBuffer)}
	go c.writePump()
	return c
}

func (c *feedClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
}

// Feed fans traffic snapshots out to every subscriber. Each tick produces a
// full snapshot; new subscribers get the latest one immediately.
type Feed struct {
	log      *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	clients map[*feedClient]bool
	gen     *trafficGenerator
	latest  []byte
}

func newFeed(log *zap.Logger, interval time.Duration) *Feed {
	return &Feed{
		log:      log.With(zap.String("route", "traffic")),
		interval: interval,
		clients:  make(map[*feedClient]bool),
		gen:      newTrafficGenerator(time.Now()),
	}
}

// Run ticks until ctx is done, then disconnects every subscriber.
func (f *Feed) Run(ctx context.Context) error {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return nil
		case <-t.C:
			f.Tick()
		}
	}
}

// Tick generates and broadcasts one snapshot.
func (f *Feed) Tick() {
	f.mu.Lock()
	snap := f.gen.next(f.interval)
	data, err := json.Marshal(snap)
	if err != nil {
		f.mu.Unlock()
		f.log.Error("marshal snapshot", zap.Error(err))
		return
	}
	f.latest = data
	f.mu.Unlock()

	f.broadcast(data)
}

// SetLive raises or drops the simulated tunnel. While down, snapshots carry
// only nulls.
func (f *Feed) SetLive(live bool, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen.setLive(live, now)
}

func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) add(conn *websocket.Conn) *feedClient {
	c := newFeedClient(conn)
	f.mu.Lock()
	f.clients[c] = true
	latest := f.latest
	f.mu.Unlock()

	if latest != nil {
		select {
		case c.send <- latest:
		default:
		}
	}
	return c
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	if f.clients[c] {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

func (f *Feed) broadcast(data []byte) {
	// Sends happen under the read lock so no channel is closed mid-send.
	var slow []*feedClient
	f.mu.RLock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range slow {
		f.log.Warn("feed subscriber too slow, disconnecting")
		f.remove(c)
	}
}

func (s *Server) handleTraffic(c *gin.Context) {
	token, ok := s.authorize(c.Request)
	if !ok {
		detail(c, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if !s.opts.Provisioned(token) {
		detail(c, http.StatusForbidden, "VPN not provisioned")
		return
	}

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("traffic upgrade", zap.Error(err))
		return
	}
	client := s.traffic.add(conn)
	s.log.Info("feed subscriber connected", zap.String("remote", c.Request.RemoteAddr))

	go func() {
		defer func() {
			s.traffic.remove(client)
			s.log.Info("feed subscriber disconnected", zap.String("remote", c.Request.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleEntitlement(c *gin.Context) {
	token, ok := s.authorize(c.Request)
	if !ok {
		detail(c, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if !s.opts.Provisioned(token) {
		detail(c, http.StatusNotFound, "VPN not provisioned")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile": "prep-lab.ovpn",
		"server":  "vpn.prep.local:1194",
		"proto":   "udp",
	})
}

type trafficGenerator struct {
	rnd   *rand.Rand
	tick  int
	live  bool
	since time.Time

	received, sent int64
	cipher, realIP string
}

func newTrafficGenerator(now time.Time) *trafficGenerator {
	return &trafficGenerator{
		rnd:    rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x5eed)),
		live:   true,
		since:  now.UTC(),
		cipher: "AES-256-GCM",
		realIP: "203.0.113.24",
	}
}

func (g *trafficGenerator) setLive(live bool, now time.Time) {
	if live && !g.live {
		g.since = now.UTC()
		g.received, g.sent = 0, 0
	}
	g.live = live
}

// next produces a snapshot for one interval. Download follows a slow wave
// with jitter; upload is a fraction of it.
func (g *trafficGenerator) next(interval time.Duration) telemetry.Snapshot {
	if !g.live {
		return telemetry.Snapshot{}
	}
	g.tick++
	wave := 0.6 + 0.4*math.Sin(float64(g.tick)/8)
	inBps := 40_000 + 360_000*wave*(0.85+0.3*g.rnd.Float64())
	outBps := inBps * (0.08 + 0.1*g.rnd.Float64())

	secs := interval.Seconds()
	g.received += int64(inBps / 8 * secs)
	g.sent += int64(outBps / 8 * secs)

	since := g.since.Format(time.RFC3339)
	inKbps, outKbps := round1(inBps/1000), round1(outBps/1000)
	inBps, outBps = math.Round(inBps), math.Round(outBps)
	received, sent := g.received, g.sent
	cipher, realIP := g.cipher, g.realIP
	return telemetry.Snapshot{
		BytesReceived:  &received,
		BytesSent:      &sent,
		ConnectedSince: &since,
		Cipher:         &cipher,
		RealIP:         &realIP,
		SpeedInBps:     &inBps,
		SpeedInKbps:    &inKbps,
		SpeedOutBps:    &outBps,
		SpeedOutKbps:   &outKbps,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
