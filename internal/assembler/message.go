package assembler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// Message is a fully assembled response. It marshals to the same JSON shape as
// a non-streaming Messages API response.
type Message struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Stop returns the stop reason, or "" when upstream never reported one.
func (m *Message) Stop() string {
	return derefString(m.StopReason)
}

// ContentBlock is a finished content block. Which fields are set depends on Type.
type ContentBlock struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Citations []json.RawMessage `json:"citations,omitempty"`
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Thinking  string            `json:"thinking,omitempty"`
	Signature string            `json:"signature,omitempty"`
	Data      string            `json:"data,omitempty"`
}

// MarshalJSON emits only the fields that belong to the block's type, so an
// empty text block still carries "text":"".
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case stream.BlockText:
		return json.Marshal(struct {
			Type      string            `json:"type"`
			Text      string            `json:"text"`
			Citations []json.RawMessage `json:"citations,omitempty"`
		}{b.Type, b.Text, b.Citations})
	case stream.BlockToolUse, stream.BlockServerToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case stream.BlockThinking:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature"`
		}{b.Type, b.Thinking, b.Signature})
	case stream.BlockRedactedThinking:
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{b.Type, b.Data})
	}
	type plain ContentBlock
	return json.Marshal(plain(b))
}

// DecodeInput unmarshals a tool block's input into v.
func (b ContentBlock) DecodeInput(v any) error {
	if len(b.Input) == 0 {
		return fmt.Errorf("%s block has no input", b.Type)
	}
	return json.Unmarshal(b.Input, v)
}

// Text concatenates the text of all text blocks.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == stream.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool invocation blocks in content order.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == stream.BlockToolUse || b.Type == stream.BlockServerToolUse {
			out = append(out, b)
		}
	}
	return out
}
