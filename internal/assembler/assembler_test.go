package assembler

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

func TestAssembleEndToEnd(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m1", 5, 0),
		textStart(0),
		textDelta(0, "Hi"),
		blockStop(0),
		messageDelta("end_turn", 1),
		messageStop,
	)

	require.Len(t, steps, 6)
	require.NoError(t, final(steps))

	msg, ok := a.Message()
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "assistant", msg.Role)
	require.NotNil(t, msg.StopReason)
	assert.Equal(t, "end_turn", *msg.StopReason)
	assert.Nil(t, msg.StopSequence)
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 1}, msg.Usage)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, ContentBlock{Type: "text", Text: "Hi"}, msg.Content[0])

	last := steps[len(steps)-1].snap
	assert.Equal(t, Finished, last.State)
	assert.Equal(t, stream.TypeMessageStop, last.Event)
	assert.Same(t, msg, last.Message)
}

func TestAssembleSnapshotsExposePartialState(t *testing.T) {
	steps := run(t, New(),
		messageStart("m1", 5, 0),
		textStart(0),
		textDelta(0, "Hel"),
		textDelta(0, "lo"),
		blockStop(0),
		messageStop,
	)
	require.NoError(t, final(steps))

	texts := make([]string, 0, len(steps))
	for _, s := range steps {
		if b, ok := s.snap.Block(0); ok {
			texts = append(texts, b.Text)
		}
	}
	assert.Equal(t, []string{"", "Hel", "Hello", "Hello", "Hello"}, texts)

	open, _ := steps[3].snap.Block(0)
	assert.True(t, open.Open)
	closed, _ := steps[4].snap.Block(0)
	assert.False(t, closed.Open)
	assert.Nil(t, steps[4].snap.Message)
}

func TestAssembleRequiresMessageStart(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
		event  string
	}{
		{"block start first", []string{textStart(0), textDelta(0, "x"), blockStop(0), messageStop}, stream.TypeContentBlockStart},
		{"message stop only", []string{messageStop}, stream.TypeMessageStop},
		{"message delta first", []string{messageDelta("end_turn", 1), messageStart("m1", 1, 1), messageStop}, stream.TypeMessageDelta},
		{"delta first", []string{textDelta(0, "x")}, stream.TypeContentBlockDelta},
		{"stop first", []string{blockStop(0)}, stream.TypeContentBlockStop},
		{"ping first", []string{ping, messageStart("m1", 1, 1), textStart(0), textDelta(0, "Hi"), blockStop(0), messageStop}, stream.TypePing},
		{"error first", []string{`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`}, stream.TypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			steps := run(t, a, tt.frames...)

			require.Len(t, steps, 1, "assembly must halt on the first event")
			var unexpected *UnexpectedEventError
			require.ErrorAs(t, final(steps), &unexpected)
			assert.Equal(t, AwaitingStart, unexpected.State)
			assert.Equal(t, tt.event, unexpected.Event)
			assert.ErrorIs(t, final(steps), ErrMalformedStream)

			_, ok := a.Message()
			assert.False(t, ok)
			assert.Equal(t, Failed, a.State())
		})
	}
}

func TestAssembleInterleavedBlocksStayIsolated(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m2", 10, 1),
		toolStart(1, "toolu_01", "get_weather"),
		textStart(0),
		jsonDelta(1, `{"city":`),
		textDelta(0, "Checking "),
		jsonDelta(1, `"Paris"}`),
		textDelta(0, "the weather."),
		blockStop(1),
		blockStop(0),
		messageDelta("tool_use", 30),
		messageStop,
	)
	require.NoError(t, final(steps))

	// After the second tool fragment the text block is untouched.
	snap := steps[5].snap
	text, _ := snap.Block(0)
	tool, _ := snap.Block(1)
	assert.Equal(t, "Checking ", text.Text)
	assert.Equal(t, `{"city":"Paris"}`, tool.PartialJSON)
	assert.Empty(t, tool.Text)

	// Blocks are listed by index even though index 1 was opened first.
	assert.Equal(t, 0, snap.Blocks[0].Index)
	assert.Equal(t, 1, snap.Blocks[1].Index)

	msg, ok := a.Message()
	require.True(t, ok)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "text", msg.Content[0].Type)
	assert.Equal(t, "Checking the weather.", msg.Content[0].Text)
	assert.Equal(t, "tool_use", msg.Content[1].Type)
	assert.Equal(t, "toolu_01", msg.Content[1].ID)
	assert.Equal(t, "get_weather", msg.Content[1].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(msg.Content[1].Input))
	require.NotNil(t, msg.StopReason)
	assert.Equal(t, "tool_use", *msg.StopReason)
	assert.Len(t, msg.ToolUses(), 1)
}

func TestAssembleToolInputFragments(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m3", 1, 1),
		toolStart(0, "toolu_02", "calc"),
		jsonDelta(0, `{"a":`),
		jsonDelta(0, `1}`),
		blockStop(0),
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	var input map[string]any
	require.NoError(t, msg.Content[0].DecodeInput(&input))
	assert.Equal(t, map[string]any{"a": float64(1)}, input)

	// The raw buffer is exposed while the block is open, the parsed value after.
	open, _ := steps[2].snap.Block(0)
	assert.Equal(t, `{"a":`, open.PartialJSON)
	assert.Nil(t, open.Input)
	closed, _ := steps[4].snap.Block(0)
	assert.JSONEq(t, `{"a":1}`, string(closed.Input))
}

func TestAssembleToolInputWithoutFragments(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m4", 1, 1),
		toolStart(0, "toolu_03", "now"),
		jsonDelta(0, ""),
		blockStop(0),
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	assert.Equal(t, json.RawMessage(`{}`), msg.Content[0].Input)
}

func TestAssembleTextConcatenation(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m5", 1, 1),
		textStart(0),
		textDelta(0, "Hel"),
		textDelta(0, "lo"),
		blockStop(0),
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	assert.Equal(t, "Hello", msg.Content[0].Text)
	assert.Equal(t, "Hello", msg.Text())
}

func TestUsageOutputTokensLatestValueWins(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m6", 10, 1),
		`{"type":"message_delta","delta":{},"usage":{"output_tokens":5}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 12}, msg.Usage)
	assert.Equal(t, int64(5), steps[1].snap.Usage.OutputTokens)
}

func TestUsageLaterNonNullValuesWin(t *testing.T) {
	a := New()
	steps := run(t, a,
		`{"type":"message_start","message":{"id":"m7","role":"assistant","model":"m","usage":{"input_tokens":10,"cache_creation_input_tokens":3,"cache_read_input_tokens":4}}}`,
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens","stop_sequence":null},"usage":{"output_tokens":7,"input_tokens":null,"cache_read_input_tokens":9}}`,
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	assert.Equal(t, Usage{
		InputTokens:              10,
		OutputTokens:             7,
		CacheCreationInputTokens: 3,
		CacheReadInputTokens:     9,
	}, msg.Usage)
	assert.Equal(t, int64(29), msg.Usage.Total())
	require.NotNil(t, msg.StopReason)
	assert.Equal(t, "max_tokens", *msg.StopReason)
}

func TestStopSequenceIsRecorded(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m8", 1, 1),
		`{"type":"message_delta","delta":{"stop_reason":"stop_sequence","stop_sequence":"###"},"usage":{"output_tokens":2}}`,
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	require.NotNil(t, msg.StopSequence)
	assert.Equal(t, "###", *msg.StopSequence)
}

func TestMissingStopReasonMarshalsNull(t *testing.T) {
	a := New()
	steps := run(t, a, messageStart("m9", 2, 0), textStart(0), textDelta(0, "Hi"), blockStop(0), messageStop)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	assert.Nil(t, msg.StopReason)
	assert.Equal(t, "", msg.Stop())
	assert.Equal(t, "", steps[len(steps)-1].snap.StopReason)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"m9","type":"message","role":"assistant","model":"claude-sonnet-4-5",
		"content":[{"type":"text","text":"Hi"}],
		"stop_reason":null,"stop_sequence":null,
		"usage":{"input_tokens":2,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}
	}`, string(raw))
}

func TestAssembleUnclosedBlockAtMessageStop(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m9", 1, 1),
		textStart(0),
		messageStop,
	)

	var unclosed *UnclosedBlockError
	require.ErrorAs(t, final(steps), &unclosed)
	assert.Equal(t, 0, unclosed.Index)
	assert.Len(t, steps, 3)

	_, ok := a.Message()
	assert.False(t, ok)
}

func TestAssembleIncompleteToolInput(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m10", 1, 1),
		toolStart(0, "toolu_04", "calc"),
		jsonDelta(0, `{"a":`),
		blockStop(0),
		messageStop,
	)

	require.Len(t, steps, 4, "nothing is yielded after the fatal error")
	var incomplete *IncompleteToolInputError
	require.ErrorAs(t, final(steps), &incomplete)
	assert.Equal(t, 0, incomplete.Index)
	assert.Equal(t, `{"a":`, incomplete.Partial)
	assert.Equal(t, "incomplete_tool_input", ErrorKind(final(steps)))
	assert.Equal(t, Failed, steps[3].snap.State)

	// Partial state stays inspectable.
	snap := a.Snapshot()
	assert.Equal(t, Failed, snap.State)
	b, ok := snap.Block(0)
	require.True(t, ok)
	assert.True(t, b.Open)
	assert.Equal(t, `{"a":`, b.PartialJSON)
}

func TestAssembleTrackerErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "duplicate open",
			frames: []string{messageStart("m", 1, 1), textStart(0), textStart(0)},
			check: func(t *testing.T, err error) {
				var e *DuplicateBlockOpenError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, 0, e.Index)
			},
		},
		{
			name:   "reopen closed index",
			frames: []string{messageStart("m", 1, 1), textStart(2), blockStop(2), textStart(2)},
			check: func(t *testing.T, err error) {
				var e *DuplicateBlockOpenError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, 2, e.Index)
			},
		},
		{
			name:   "delta for unknown index",
			frames: []string{messageStart("m", 1, 1), textStart(0), textDelta(3, "x")},
			check: func(t *testing.T, err error) {
				var e *UnknownBlockIndexError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, 3, e.Index)
				assert.False(t, e.Closed)
			},
		},
		{
			name:   "delta after close",
			frames: []string{messageStart("m", 1, 1), textStart(0), blockStop(0), textDelta(0, "late")},
			check: func(t *testing.T, err error) {
				var e *UnknownBlockIndexError
				require.ErrorAs(t, err, &e)
				assert.True(t, e.Closed)
			},
		},
		{
			name:   "stop for unknown index",
			frames: []string{messageStart("m", 1, 1), blockStop(1)},
			check: func(t *testing.T, err error) {
				var e *UnknownBlockIndexError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, 1, e.Index)
			},
		},
		{
			name:   "json delta on text block",
			frames: []string{messageStart("m", 1, 1), textStart(0), jsonDelta(0, "{")},
			check: func(t *testing.T, err error) {
				var e *DeltaKindMismatchError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, DeltaKindMismatchError{Index: 0, Expected: "text_delta", Actual: "input_json_delta"}, *e)
			},
		},
		{
			name:   "text delta on tool block",
			frames: []string{messageStart("m", 1, 1), toolStart(0, "t", "n"), textDelta(0, "x")},
			check: func(t *testing.T, err error) {
				var e *DeltaKindMismatchError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "input_json_delta", e.Expected)
				assert.Equal(t, "text_delta", e.Actual)
			},
		},
		{
			name:   "second message start",
			frames: []string{messageStart("m", 1, 1), messageStart("m", 1, 1)},
			check: func(t *testing.T, err error) {
				var e *UnexpectedEventError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, InMessage, e.State)
			},
		},
		{
			name:   "event after message stop",
			frames: []string{messageStart("m", 1, 1), messageStop, ping},
			check: func(t *testing.T, err error) {
				var e *UnexpectedEventError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, Finished, e.State)
				assert.Equal(t, stream.TypePing, e.Event)
			},
		},
		{
			name:   "upstream error frame",
			frames: []string{messageStart("m", 1, 1), `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
			check: func(t *testing.T, err error) {
				var e *UpstreamError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "overloaded_error", e.Type)
				assert.Equal(t, "Overloaded", e.Message)
			},
		},
		{
			name:   "unknown event type",
			frames: []string{messageStart("m", 1, 1), `{"type":"message_pause"}`},
			check: func(t *testing.T, err error) {
				var e *stream.DecodeError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "message_pause", e.Tag)
				assert.ErrorIs(t, err, stream.ErrUnknownEventType)
				assert.Equal(t, "unknown_event_type", ErrorKind(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			steps := run(t, a, tt.frames...)
			require.Len(t, steps, len(tt.frames))
			for _, s := range steps[:len(steps)-1] {
				require.NoError(t, s.err)
			}
			err := final(steps)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, err, a.Err())
		})
	}
}

func TestAssembleEndOfInput(t *testing.T) {
	t.Run("open block", func(t *testing.T) {
		steps := run(t, New(), messageStart("m", 1, 1), textStart(0), textStart(1), blockStop(0))
		var e *UnclosedBlockError
		require.ErrorAs(t, final(steps), &e)
		assert.Equal(t, 1, e.Index)
		assert.Len(t, steps, 5)
	})

	t.Run("no message stop", func(t *testing.T) {
		steps := run(t, New(), messageStart("m", 1, 1))
		var e *UnexpectedEventError
		require.ErrorAs(t, final(steps), &e)
		assert.Equal(t, InMessage, e.State)
		assert.Equal(t, "end_of_stream", e.Event)
	})

	t.Run("empty input", func(t *testing.T) {
		steps := run(t, New())
		var e *UnexpectedEventError
		require.ErrorAs(t, final(steps), &e)
		assert.Equal(t, AwaitingStart, e.State)
	})
}

func TestAssembleInputErrorIsTerminal(t *testing.T) {
	boom := errors.New("connection reset")
	input := func(yield func(stream.Event, error) bool) {
		ev, _ := stream.Decode([]byte(messageStart("m", 1, 1)))
		if !yield(ev, nil) {
			return
		}
		yield(nil, boom)
	}

	a := New()
	var steps []step
	for snap, err := range a.Assemble(input) {
		steps = append(steps, step{snap, err})
	}
	require.Len(t, steps, 2)
	assert.ErrorIs(t, steps[1].err, boom)
	assert.Equal(t, "transport", ErrorKind(steps[1].err))
	assert.Equal(t, "m", steps[1].snap.ID)
}

func TestAssembleIsSinglePass(t *testing.T) {
	a := New()
	run(t, a, messageStart("m", 1, 1), messageStop)

	var errs []error
	for _, err := range a.Assemble(events(messageStart("n", 1, 1), messageStop)) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReused)
}

func TestAssembleStopsWhenConsumerStops(t *testing.T) {
	a := New()
	n := 0
	for range a.Assemble(events(messageStart("m", 1, 1), textStart(0), textDelta(0, "x"), blockStop(0), messageStop)) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, InMessage, a.State())
}

func TestApplyAfterErrorRepeatsError(t *testing.T) {
	a := New()
	ev, err := stream.Decode([]byte(messageStop))
	require.NoError(t, err)

	_, first := a.Apply(ev)
	require.Error(t, first)

	start, err := stream.Decode([]byte(messageStart("m", 1, 1)))
	require.NoError(t, err)
	_, second := a.Apply(start)
	assert.Equal(t, first, second)
	assert.Equal(t, Failed, a.State())
	assert.Equal(t, first, a.End())
}

func TestAssemblePingIsIgnored(t *testing.T) {
	a := New()
	steps := run(t, a, messageStart("m", 1, 1), ping, textStart(0), ping, blockStop(0), ping, messageStop)
	require.NoError(t, final(steps))
	assert.Len(t, steps, 7)
	assert.Equal(t, InMessage, steps[1].snap.State)
	assert.Equal(t, stream.TypePing, steps[1].snap.Event)
	assert.Equal(t, Finished, steps[6].snap.State)
}

func TestAssembleThinkingAndRedactedBlocks(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("m", 1, 1),
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Let me "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"think."}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-abc"}}`,
		blockStop(0),
		`{"type":"content_block_start","index":1,"content_block":{"type":"redacted_thinking","data":"opaque"}}`,
		blockStop(1),
		textStart(2),
		textDelta(2, "Answer"),
		blockStop(2),
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	require.Len(t, msg.Content, 3)
	assert.Equal(t, ContentBlock{Type: "thinking", Thinking: "Let me think.", Signature: "sig-abc"}, msg.Content[0])
	assert.Equal(t, ContentBlock{Type: "redacted_thinking", Data: "opaque"}, msg.Content[1])
	assert.Equal(t, "Answer", msg.Text())

	view, _ := steps[3].snap.Block(0)
	assert.Equal(t, "Let me think.", view.Thinking)
}

func TestAssembleCitations(t *testing.T) {
	a := New()
	citation := `{"type":"char_location","cited_text":"sky is blue","document_index":0,"start_char_index":0,"end_char_index":11}`
	steps := run(t, a,
		messageStart("m", 1, 1),
		textStart(0),
		`{"type":"content_block_delta","index":0,"delta":{"type":"citations_delta","citation":`+citation+`}}`,
		textDelta(0, "The sky is blue."),
		blockStop(0),
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	require.Len(t, msg.Content[0].Citations, 1)
	assert.JSONEq(t, citation, string(msg.Content[0].Citations[0]))
	assert.Equal(t, "The sky is blue.", msg.Content[0].Text)

	view, _ := steps[2].snap.Block(0)
	assert.Len(t, view.Citations, 1)
}

func TestAssembleFromSSECapture(t *testing.T) {
	capture := sseCapture(
		messageStart("msg_sse", 25, 1),
		textStart(0),
		textDelta(0, "Hello"),
		textDelta(0, ", world"),
		blockStop(0),
		messageDelta("end_turn", 6),
		messageStop,
	)

	a := New()
	var last Snapshot
	for snap, err := range a.Assemble(stream.Events(stream.Frames(strings.NewReader(capture)))) {
		require.NoError(t, err)
		last = snap
	}
	require.NotNil(t, last.Message)
	assert.Equal(t, "Hello, world", last.Message.Text())
	assert.Equal(t, Usage{InputTokens: 25, OutputTokens: 6}, last.Message.Usage)
}

func TestAssembledMessageMatchesNonStreamingSchema(t *testing.T) {
	a := New()
	steps := run(t, a,
		messageStart("msg_schema", 12, 1),
		textStart(0),
		textDelta(0, "Let me look."),
		blockStop(0),
		toolStart(1, "toolu_05", "lookup"),
		jsonDelta(1, `{"q":"go"}`),
		blockStop(1),
		messageDelta("tool_use", 20),
		messageStop,
	)
	require.NoError(t, final(steps))

	msg, _ := a.Message()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var sdk anthropic.Message
	require.NoError(t, json.Unmarshal(raw, &sdk))
	assert.Equal(t, "msg_schema", sdk.ID)
	assert.Equal(t, "claude-sonnet-4-5", string(sdk.Model))
	assert.Equal(t, "tool_use", string(sdk.StopReason))
	assert.Equal(t, int64(12), sdk.Usage.InputTokens)
	assert.Equal(t, int64(20), sdk.Usage.OutputTokens)
	require.Len(t, sdk.Content, 2)
	assert.Equal(t, "text", sdk.Content[0].Type)
	assert.Equal(t, "Let me look.", sdk.Content[0].Text)
	assert.Equal(t, "tool_use", sdk.Content[1].Type)
	assert.Equal(t, "toolu_05", sdk.Content[1].ID)
	assert.Equal(t, "lookup", sdk.Content[1].Name)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *msg, back)
}
