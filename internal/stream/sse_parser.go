package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"strings"
)

const readBufferSize = 32 * 1024

// SSEEvent represents a single parsed SSE event from the stream.
type SSEEvent struct {
	Index     int    // ordinal within this request's stream
	EventType string // message_start, content_block_delta, message_delta, etc.
	RawData   string // data: lines of the frame, joined with "\n"
	RawBytes  int    // byte length of this SSE frame
}

// Parser maintains state across chunks to handle partial SSE lines. An event
// is dispatched when the blank line that ends its frame arrives.
type Parser struct {
	buffer     []byte
	eventIndex int
	eventType  string   // current event: field value
	data       []string // data: lines of the current frame
	frameBytes int
}

func NewParser() *Parser {
	return &Parser{}
}

// ParseChunk processes raw bytes from the stream and yields complete SSE events.
// Handles partial lines that span multiple chunks.
func (p *Parser) ParseChunk(chunk []byte) []SSEEvent {
	p.buffer = append(p.buffer, chunk...)
	var events []SSEEvent

	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx == -1 {
			break
		}

		line := string(p.buffer[:idx])
		p.buffer = p.buffer[idx+1:]
		if ev, ok := p.parseLine(line, len(line)+1); ok {
			events = append(events, ev)
		}
	}

	return events
}

// Flush ends the stream: a trailing unterminated line is parsed and any frame
// still missing its blank line is dispatched.
func (p *Parser) Flush() []SSEEvent {
	if len(p.buffer) > 0 {
		line := string(p.buffer)
		p.buffer = nil
		p.parseLine(line, len(line))
	}
	if ev, ok := p.dispatch(); ok {
		return []SSEEvent{ev}
	}
	return nil
}

func (p *Parser) parseLine(line string, rawLen int) (SSEEvent, bool) {
	p.frameBytes += rawLen
	line = strings.TrimRight(line, "\r")

	if line == "" {
		return p.dispatch()
	}

	if strings.HasPrefix(line, ":") {
		return SSEEvent{}, false
	}

	if v, ok := strings.CutPrefix(line, "event:"); ok {
		p.eventType = strings.TrimSpace(v)
		return SSEEvent{}, false
	}

	if v, ok := strings.CutPrefix(line, "data:"); ok {
		p.data = append(p.data, strings.TrimPrefix(v, " "))
	}
	return SSEEvent{}, false
}

// dispatch emits the buffered frame and resets per-frame state. A frame with
// no data: lines produces nothing.
func (p *Parser) dispatch() (SSEEvent, bool) {
	defer func() {
		p.eventType = ""
		p.data = p.data[:0]
		p.frameBytes = 0
	}()
	if len(p.data) == 0 {
		return SSEEvent{}, false
	}

	data := strings.Join(p.data, "\n")
	p.eventIndex++
	eventType := p.eventType
	if eventType == "" {
		eventType = inferEventType(data)
	}

	return SSEEvent{
		Index:     p.eventIndex,
		EventType: eventType,
		RawData:   data,
		RawBytes:  p.frameBytes,
	}, true
}

// Frames reads r to EOF and yields every SSE event in order. A read error other
// than io.EOF is yielded once as the final item.
func Frames(r io.Reader) iter.Seq2[SSEEvent, error] {
	return func(yield func(SSEEvent, error) bool) {
		parser := NewParser()
		buf := make([]byte, readBufferSize)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range parser.ParseChunk(buf[:n]) {
					if !yield(ev, nil) {
						return
					}
				}
			}
			if err != nil {
				for _, ev := range parser.Flush() {
					if !yield(ev, nil) {
						return
					}
				}
				if !errors.Is(err, io.EOF) {
					yield(SSEEvent{}, err)
				}
				return
			}
		}
	}
}

// Events decodes a sequence of SSE frames into typed events. The first decode
// or read error is yielded and ends the sequence.
func Events(frames iter.Seq2[SSEEvent, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for frame, err := range frames {
			if err != nil {
				yield(nil, err)
				return
			}
			ev, err := Decode([]byte(frame.RawData))
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// inferEventType extracts the "type" field from JSON data without full parsing.
func inferEventType(data string) string {
	// Fast path: look for "type":"..." pattern
	idx := strings.Index(data, `"type"`)
	if idx == -1 {
		return "unknown"
	}

	rest := data[idx+6:]
	rest = strings.TrimLeft(rest, " \t:")
	rest = strings.TrimLeft(rest, " \t")

	if len(rest) > 0 && rest[0] == '"' {
		end := strings.IndexByte(rest[1:], '"')
		if end >= 0 {
			return rest[1 : end+1]
		}
	}
	return "unknown"
}
