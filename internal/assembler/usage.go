package assembler

import "github.com/namikmesic/sidekick-assembler/internal/stream"

// Usage holds the billing counters of a message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// Total sums all four counters.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// meta tracks message-level fields that arrive across message_start and
// message_delta frames.
//
// output_tokens in a message_delta is a running total, not an increment: the
// latest value replaces the previous one. The other counters are seeded by
// message_start and only replaced by a later non-null value.
type meta struct {
	id           string
	role         string
	model        string
	stopReason   *string
	stopSequence *string
	usage        Usage
}

func (m *meta) start(h stream.MessageHeader) {
	m.id = h.ID
	m.role = h.Role
	if m.role == "" {
		m.role = "assistant"
	}
	m.model = h.Model
	m.stopReason = nil
	if h.StopReason != nil {
		reason := *h.StopReason
		m.stopReason = &reason
	}
	m.stopSequence = h.StopSequence
	m.usage = Usage{
		InputTokens:              deref(h.Usage.InputTokens),
		OutputTokens:             deref(h.Usage.OutputTokens),
		CacheCreationInputTokens: deref(h.Usage.CacheCreationInputTokens),
		CacheReadInputTokens:     deref(h.Usage.CacheReadInputTokens),
	}
}

func (m *meta) delta(d *stream.MessageDelta) {
	if d.StopReason != nil {
		reason := *d.StopReason
		m.stopReason = &reason
	}
	if d.StopSequence != nil {
		seq := *d.StopSequence
		m.stopSequence = &seq
	}
	overwrite(&m.usage.OutputTokens, d.Usage.OutputTokens)
	overwrite(&m.usage.InputTokens, d.Usage.InputTokens)
	overwrite(&m.usage.CacheCreationInputTokens, d.Usage.CacheCreationInputTokens)
	overwrite(&m.usage.CacheReadInputTokens, d.Usage.CacheReadInputTokens)
}

func overwrite(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
