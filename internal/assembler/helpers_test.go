package assembler

import (
	"fmt"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// events decodes one JSON frame per argument into a lazy event sequence.
func events(frames ...string) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		for _, f := range frames {
			ev, err := stream.Decode([]byte(f))
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

type step struct {
	snap Snapshot
	err  error
}

// run drains Assemble and returns every yielded item.
func run(t *testing.T, a *Assembler, frames ...string) []step {
	t.Helper()
	var out []step
	for snap, err := range a.Assemble(events(frames...)) {
		out = append(out, step{snap, err})
	}
	require.NotEmpty(t, out, "assemble yielded nothing")
	return out
}

// final returns the terminal error of a run, or nil.
func final(steps []step) error {
	return steps[len(steps)-1].err
}

func messageStart(id string, input, output int) string {
	return fmt.Sprintf(`{"type":"message_start","message":{"id":%q,"type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":%d,"output_tokens":%d}}}`, id, input, output)
}

func textStart(index int) string {
	return fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, index)
}

func toolStart(index int, id, name string) string {
	return fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":%q,"name":%q,"input":{}}}`, index, id, name)
}

func textDelta(index int, text string) string {
	return fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":%q}}`, index, text)
}

func jsonDelta(index int, partial string) string {
	return fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":%q}}`, index, partial)
}

func blockStop(index int) string {
	return fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index)
}

func messageDelta(stopReason string, output int) string {
	return fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":%q,"stop_sequence":null},"usage":{"output_tokens":%d}}`, stopReason, output)
}

const (
	messageStop = `{"type":"message_stop"}`
	ping        = `{"type":"ping"}`
)

func sseCapture(frames ...string) string {
	var sb strings.Builder
	for _, f := range frames {
		ev, err := stream.Decode([]byte(f))
		name := "unknown"
		if err == nil {
			name = ev.EventType()
		}
		fmt.Fprintf(&sb, "event: %s\ndata: %s\n\n", name, f)
	}
	return sb.String()
}
