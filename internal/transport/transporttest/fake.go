// Package transporttest provides scripted connections for exercising
// sessions without a network.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/transport"
)

// Conn is an in-memory connection. Push feeds inbound messages; Drop
// simulates the server going away.
type Conn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	closeErr error
	written  [][]byte
	kinds    []int
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Push queues an inbound text message.
func (c *Conn) Push(msg []byte) {
	c.in <- msg
}

// PushJSON marshals v and queues it.
func (c *Conn) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Push(data)
}

// Drop ends the connection from the server side with the given close code.
// Messages already pushed are still delivered first.
func (c *Conn) Drop(code int) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = &websocket.CloseError{Code: code}
	}
	c.mu.Unlock()
	c.shut()
}

// Fail ends the connection with a non-close network error.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.shut()
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		select {
		case msg := <-c.in:
			return websocket.TextMessage, msg, nil
		default:
		}
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("use of closed network connection")
		}
		return 0, nil, err
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, messageType)
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() error {
	c.shut()
	return nil
}

func (c *Conn) shut() {
	c.once.Do(func() { close(c.closed) })
}

// Closed reports whether either side closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written returns the text messages written by the client.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for i, k := range c.kinds {
		if k == websocket.TextMessage {
			out = append(out, c.written[i])
		}
	}
	return out
}

// Pings returns how many ping frames were written.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.kinds {
		if k == websocket.PingMessage {
			n++
		}
	}
	return n
}

// Dialer hands out scripted results in order. When the script is empty
// Dial blocks until its context is cancelled, like an unreachable host.
type Dialer struct {
	mu      sync.Mutex
	script  []result
	urls    []string
	headers []http.Header
	dialed  chan struct{}
}

type result struct {
	conn *Conn
	err  error
}

// NewDialer returns a dialer with an empty script.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan struct{}, 64)}
}

// Accept queues a successful dial returning conn.
func (d *Dialer) Accept(conn *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, result{conn: conn})
}

// Reject queues a failed dial.
func (d *Dialer) Reject(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, result{err: err})
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	var next *result
	if len(d.script) > 0 {
		r := d.script[0]
		d.script = d.script[1:]
		next = &r
	}
	d.mu.Unlock()

	select {
	case d.dialed <- struct{}{}:
	default:
	}

	if next == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

// Dials returns how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// URLs returns every dialed URL in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
