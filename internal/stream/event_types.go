package stream

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Discriminator values of the Anthropic streaming protocol.
const (
	TypeMessageStart      = "message_start"
	TypeContentBlockStart = "content_block_start"
	TypeContentBlockDelta = "content_block_delta"
	TypeContentBlockStop  = "content_block_stop"
	TypeMessageDelta      = "message_delta"
	TypeMessageStop       = "message_stop"
	TypePing              = "ping"
	TypeError             = "error"
)

// Delta sub-types carried by content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaCitations = "citations_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
)

// Content block types carried by content_block_start.
const (
	BlockText             = "text"
	BlockToolUse          = "tool_use"
	BlockServerToolUse    = "server_tool_use"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// Fields holds frame keys the decoder does not recognize, in arrival order.
type Fields = orderedmap.OrderedMap[string, json.RawMessage]

// Event is one decoded streaming frame. The set of implementations is closed.
type Event interface {
	EventType() string
	// Unrecognized returns pass-through keys outside the variant's schema, or nil.
	Unrecognized() *Fields
	isEvent()
}

type passthrough struct {
	Extra *Fields `json:"-"`
}

func (p passthrough) Unrecognized() *Fields { return p.Extra }
func (passthrough) isEvent()                {}

// UsageDelta is a usage block as sent on the wire. Nil fields were absent or null.
type UsageDelta struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
}

// MessageHeader is the message object of message_start.
type MessageHeader struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Model        string            `json:"model"`
	Content      []json.RawMessage `json:"content"`
	StopReason   *string           `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        UsageDelta        `json:"usage"`
}

// BlockSeed is the content_block of content_block_start. Seed content such as a
// tool's id and name is only ever delivered here, never through deltas.
type BlockSeed struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	Data      string          `json:"data"`
}

type MessageStart struct {
	passthrough
	Message MessageHeader
}

type ContentBlockStart struct {
	passthrough
	Index int
	Block BlockSeed
}

type ContentBlockDelta struct {
	passthrough
	Index int
	Delta Delta
}

type ContentBlockStop struct {
	passthrough
	Index int
}

// MessageDelta carries late message metadata. Nil pointers were absent or null.
type MessageDelta struct {
	passthrough
	StopReason   *string
	StopSequence *string
	Usage        UsageDelta
}

type MessageStop struct {
	passthrough
}

// Ping is a keepalive frame with no payload.
type Ping struct {
	passthrough
}

// Error is an error frame sent by the upstream in place of further events.
type Error struct {
	passthrough
	ErrorType string
	Message   string
}

func (*MessageStart) EventType() string      { return TypeMessageStart }
func (*ContentBlockStart) EventType() string { return TypeContentBlockStart }
func (*ContentBlockDelta) EventType() string { return TypeContentBlockDelta }
func (*ContentBlockStop) EventType() string  { return TypeContentBlockStop }
func (*MessageDelta) EventType() string      { return TypeMessageDelta }
func (*MessageStop) EventType() string       { return TypeMessageStop }
func (*Ping) EventType() string              { return TypePing }
func (*Error) EventType() string             { return TypeError }

// Delta is the payload of a content_block_delta. The set of implementations is closed.
type Delta interface {
	DeltaType() string
	isDelta()
}

type TextDelta struct {
	Text string `json:"text"`
}

// InputJSONDelta is a fragment of a tool's input document, split at an
// arbitrary byte boundary.
type InputJSONDelta struct {
	PartialJSON string `json:"partial_json"`
}

type CitationsDelta struct {
	Citation json.RawMessage `json:"citation"`
}

type ThinkingDelta struct {
	Thinking string `json:"thinking"`
}

type SignatureDelta struct {
	Signature string `json:"signature"`
}

func (TextDelta) DeltaType() string      { return DeltaText }
func (InputJSONDelta) DeltaType() string { return DeltaInputJSON }
func (CitationsDelta) DeltaType() string { return DeltaCitations }
func (ThinkingDelta) DeltaType() string  { return DeltaThinking }
func (SignatureDelta) DeltaType() string { return DeltaSignature }

func (TextDelta) isDelta()      {}
func (InputJSONDelta) isDelta() {}
func (CitationsDelta) isDelta() {}
func (ThinkingDelta) isDelta()  {}
func (SignatureDelta) isDelta() {}
