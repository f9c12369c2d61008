package assembler

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// State is the assembler's position in the message lifecycle.
type State int

const (
	AwaitingStart State = iota
	InMessage
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingStart:
		return "awaiting_start"
	case InMessage:
		return "in_message"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a read-only view of the message after one event. Accumulated
// buffers are shared with the assembler, not copied, and never change once
// handed out.
type Snapshot struct {
	State        State       `json:"state"`
	Event        string      `json:"event,omitempty"`
	ID           string      `json:"id,omitempty"`
	Role         string      `json:"role,omitempty"`
	Model        string      `json:"model,omitempty"`
	Blocks       []BlockView `json:"blocks"`
	StopReason   string      `json:"stop_reason,omitempty"`
	StopSequence *string     `json:"stop_sequence,omitempty"`
	Usage        Usage       `json:"usage"`
	// Message is set once the message has finished.
	Message *Message `json:"message,omitempty"`
}

// BlockView is the state of one content block within a Snapshot. Open blocks
// expose their raw buffer: Text for text, PartialJSON for tool input, Thinking
// for thinking. Closed tool blocks also carry the parsed Input.
type BlockView struct {
	Index       int               `json:"index"`
	Type        string            `json:"type"`
	Open        bool              `json:"open"`
	Text        string            `json:"text,omitempty"`
	PartialJSON string            `json:"partial_json,omitempty"`
	Thinking    string            `json:"thinking,omitempty"`
	Citations   []json.RawMessage `json:"citations,omitempty"`
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Input       json.RawMessage   `json:"input,omitempty"`
}

func (b *block) view() BlockView {
	v := BlockView{
		Index:     b.index,
		Type:      b.seed.Type,
		Open:      !b.closed,
		Citations: slices.Clip(b.citations),
		ID:        b.seed.ID,
		Name:      b.seed.Name,
	}
	switch b.seed.Type {
	case stream.BlockText:
		v.Text = b.buf.String()
	case stream.BlockToolUse, stream.BlockServerToolUse:
		v.PartialJSON = b.buf.String()
		if b.closed {
			v.Input = b.final.Input
		}
	case stream.BlockThinking:
		v.Thinking = b.buf.String()
	}
	return v
}

// Block returns the view of the block at index.
func (s Snapshot) Block(index int) (BlockView, bool) {
	for _, b := range s.Blocks {
		if b.Index == index {
			return b, true
		}
	}
	return BlockView{}, false
}
