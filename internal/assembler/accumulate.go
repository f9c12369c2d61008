package assembler

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// block is an in-progress content block. buf holds the text, the raw tool
// input fragments, or the thinking text, depending on the seed type.
type block struct {
	index     int
	seed      stream.BlockSeed
	buf       strings.Builder
	signature string
	citations []json.RawMessage
	closed    bool
	final     ContentBlock
}

func newBlock(index int, seed stream.BlockSeed) *block {
	b := &block{index: index, seed: seed, signature: seed.Signature}
	switch seed.Type {
	case stream.BlockText:
		b.buf.WriteString(seed.Text)
	case stream.BlockThinking:
		b.buf.WriteString(seed.Thinking)
	}
	return b
}

// accepts names the content delta type valid for the block, if any.
func (b *block) accepts() string {
	switch b.seed.Type {
	case stream.BlockText:
		return stream.DeltaText
	case stream.BlockToolUse, stream.BlockServerToolUse:
		return stream.DeltaInputJSON
	case stream.BlockThinking:
		return stream.DeltaThinking
	}
	return ""
}

func (b *block) apply(d stream.Delta) error {
	switch d := d.(type) {
	case stream.CitationsDelta:
		b.citations = append(b.citations, d.Citation)
		return nil
	case stream.SignatureDelta:
		if b.seed.Type != stream.BlockThinking {
			return b.mismatch(d)
		}
		b.signature = d.Signature
		return nil
	case stream.TextDelta:
		if b.seed.Type != stream.BlockText {
			return b.mismatch(d)
		}
		b.buf.WriteString(d.Text)
	case stream.InputJSONDelta:
		if b.accepts() != stream.DeltaInputJSON {
			return b.mismatch(d)
		}
		// Fragments are not independently parseable; they are only joined here.
		b.buf.WriteString(d.PartialJSON)
	case stream.ThinkingDelta:
		if b.seed.Type != stream.BlockThinking {
			return b.mismatch(d)
		}
		b.buf.WriteString(d.Thinking)
	default:
		return b.mismatch(d)
	}
	return nil
}

func (b *block) mismatch(d stream.Delta) error {
	return &DeltaKindMismatchError{Index: b.index, Expected: b.accepts(), Actual: d.DeltaType()}
}

// finish freezes the block. Tool input is parsed here and nowhere else.
func (b *block) finish() (ContentBlock, error) {
	out := ContentBlock{Type: b.seed.Type, Citations: b.citations}

	switch b.seed.Type {
	case stream.BlockText:
		out.Text = b.buf.String()
	case stream.BlockToolUse, stream.BlockServerToolUse:
		input, err := b.toolInput()
		if err != nil {
			return ContentBlock{}, err
		}
		out.ID = b.seed.ID
		out.Name = b.seed.Name
		out.Input = input
	case stream.BlockThinking:
		out.Thinking = b.buf.String()
		out.Signature = b.signature
	case stream.BlockRedactedThinking:
		out.Data = b.seed.Data
	}

	b.closed = true
	b.final = out
	return out, nil
}

func (b *block) toolInput() (json.RawMessage, error) {
	// Upstream sends no fragments, or only empty ones, for an empty input.
	if b.buf.Len() == 0 {
		if len(b.seed.Input) > 0 && json.Valid(b.seed.Input) {
			return compact(b.seed.Input), nil
		}
		return json.RawMessage("{}"), nil
	}

	raw := b.buf.String()
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &IncompleteToolInputError{Index: b.index, Partial: raw, Err: err}
	}
	return compact([]byte(raw)), nil
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}
