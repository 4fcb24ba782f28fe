// Package eventstream decodes the line framed event stream used by the chat
// endpoint: every event is a line "data: <json>\n". Network chunks may split
// a line anywhere; the parser keeps the unfinished tail between calls.
package eventstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
)

// Kind tells the three event shapes apart.
type Kind int

const (
	KindDelta Kind = iota + 1
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded frame.
type Event struct {
	Kind  Kind
	Delta string
	// RemainingToday is set on done events when the server reported a quota.
	RemainingToday *int
	Error          string
}

var prefix = []byte("data:")

type frame struct {
	Delta          *string  `json:"delta"`
	Done           *bool    `json:"done"`
	RemainingToday *float64 `json:"remaining_today"`
	Error          *string  `json:"error"`
}

// Parser is not safe for concurrent use.
type Parser struct {
	residual []byte
	dropped  int
}

// Feed appends chunk to the pending input and returns the events of every
// line it completes. Malformed frames are skipped.
func (p *Parser) Feed(chunk []byte) []Event {
	p.residual = append(p.residual, chunk...)
	var events []Event
	for {
		i := bytes.IndexByte(p.residual, '\n')
		if i < 0 {
			break
		}
		line := p.residual[:i]
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
		p.residual = p.residual[i+1:]
	}
	if len(p.residual) == 0 {
		p.residual = nil
	}
	return events
}

// Flush parses whatever is left after the stream ended. The last event may
// arrive without a trailing newline.
func (p *Parser) Flush() []Event {
	line := p.residual
	p.residual = nil
	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Pending reports how many bytes are buffered waiting for a newline.
func (p *Parser) Pending() int { return len(p.residual) }

// Dropped counts frames that carried the data prefix but could not be
// decoded into a known shape.
func (p *Parser) Dropped() int { return p.dropped }

// Reset discards buffered input and counters.
func (p *Parser) Reset() {
	p.residual = nil
	p.dropped = 0
}

func (p *Parser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, prefix) {
		return Event{}, false
	}
	payload := bytes.TrimPrefix(line[len(prefix):], []byte(" "))

	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		p.dropped++
		return Event{}, false
	}
	switch {
	case f.Delta != nil:
		return Event{Kind: KindDelta, Delta: *f.Delta}, true
	case f.Done != nil && *f.Done:
		ev := Event{Kind: KindDone}
		if f.RemainingToday != nil {
			n := clampInt(*f.RemainingToday)
			ev.RemainingToday = &n
		}
		return ev, true
	case f.Error != nil:
		return Event{Kind: KindError, Error: *f.Error}, true
	default:
		p.dropped++
		return Event{}, false
	}
}

func clampInt(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int(v)
	}
}

const readSize = 4 << 10

// Scan reads r until EOF, feeding every chunk through p and handing the
// events to emit in order. Scanning stops early when emit returns false.
// A clean EOF flushes the parser and returns nil.
func Scan(r io.Reader, p *Parser, emit func(Event) bool) error {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range p.Feed(buf[:n]) {
				if !emit(ev) {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range p.Flush() {
				if !emit(ev) {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
