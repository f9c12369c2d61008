package processor

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/sidekick-assembler/internal/assembler"
	"github.com/namikmesic/sidekick-assembler/internal/metrics"
	"github.com/namikmesic/sidekick-assembler/internal/storage"
	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// SnapshotSink receives partial snapshots while a response is being assembled.
type SnapshotSink interface {
	Put(ctx context.Context, requestID string, snap assembler.Snapshot) error
}

// Processor handles background analytics for proxied requests.
type Processor struct {
	writer       storage.Queue
	live         SnapshotSink
	liveInterval time.Duration
	metrics      *metrics.Registry
	storeEvents  bool
}

type Option func(*Processor)

// WithLiveState publishes snapshots to sink at most once per interval while a
// stream is open. The terminal snapshot is always published.
func WithLiveState(sink SnapshotSink, interval time.Duration) Option {
	return func(p *Processor) {
		p.live = sink
		p.liveInterval = interval
	}
}

func WithMetrics(r *metrics.Registry) Option {
	return func(p *Processor) { p.metrics = r }
}

// WithSSEEvents controls whether raw SSE frames are stored.
func WithSSEEvents(store bool) Option {
	return func(p *Processor) { p.storeEvents = store }
}

func New(writer storage.Queue, opts ...Option) *Processor {
	p := &Processor{writer: writer, storeEvents: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result summarizes one processed stream.
type Result struct {
	Message  *assembler.Message
	Snapshot assembler.Snapshot
	Events   int
	Err      error
}

// ProcessStream reads SSE bytes from reader, assembles the message as frames
// arrive and stores the outcome. reader is always drained to EOF, even after
// the stream turns out to be malformed.
func (p *Processor) ProcessStream(ctx context.Context, requestID uuid.UUID, ts time.Time, reader io.Reader) Result {
	id := requestID.String()
	logger := log.With().Str("request_id", id).Logger()

	p.metrics.StreamStarted()
	defer p.metrics.StreamDone()

	var frames []stream.SSEEvent
	var recorded iter.Seq2[stream.SSEEvent, error] = func(yield func(stream.SSEEvent, error) bool) {
		for f, err := range stream.Frames(reader) {
			if err == nil {
				frames = append(frames, f)
				p.metrics.SSEEvent(f.EventType)
			}
			if !yield(f, err) {
				return
			}
		}
	}

	asm := assembler.New(assembler.WithLogger(logger))
	pub := p.newPublisher(ctx, id)

	var res Result
	for snap, err := range asm.Assemble(stream.Events(recorded)) {
		res.Snapshot = snap
		if err != nil {
			res.Err = err
			break
		}
		pub.maybe(snap)
	}
	if res.Err != nil {
		// keep the tee flowing
		if _, err := io.Copy(io.Discard, reader); err != nil {
			logger.Debug().Err(err).Msg("drain after stream error")
		}
	}
	pub.final(res.Snapshot)

	res.Events = len(frames)
	if p.storeEvents && len(frames) > 0 {
		p.writer.Enqueue(storage.InsertSSEEventsJob(requestID, ts, frames))
	}

	usage := res.Snapshot.Usage
	if res.Snapshot.Model != "" || usage.Total() > 0 {
		p.writer.Enqueue(storage.UpdateRequestUsageJob(requestID, ts, usageUpdate(res.Snapshot.Model, usage, res.Err == nil)))
	}

	if msg, ok := asm.Message(); ok {
		res.Message = msg
		p.writer.Enqueue(storage.InsertMessageJob(requestID, ts, msg, true))
		p.metrics.MessageAssembled(msg, true)
	}
	if res.Err != nil {
		p.writer.Enqueue(storage.InsertStreamErrorJob(requestID, ts, res.Err, res.Snapshot))
		p.metrics.StreamError(res.Err)
		logger.Warn().Err(res.Err).Str("kind", assembler.ErrorKind(res.Err)).Int("sse_events", len(frames)).Msg("stream could not be assembled")
	}

	logger.Debug().
		Int("sse_events", len(frames)).
		Str("model", res.Snapshot.Model).
		Str("stop_reason", res.Snapshot.StopReason).
		Int64("input_tokens", usage.InputTokens).
		Int64("output_tokens", usage.OutputTokens).
		Msg("stream processing complete")
	return res
}

// ProcessNonStream handles a non-streaming response body. The body decodes
// into the same Message a stream assembles to.
func (p *Processor) ProcessNonStream(requestID uuid.UUID, ts time.Time, body []byte) (*assembler.Message, bool) {
	var msg assembler.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, false
	}
	if msg.Model == "" || msg.Type != "message" {
		return nil, false
	}

	p.writer.Enqueue(storage.UpdateRequestUsageJob(requestID, ts, usageUpdate(msg.Model, msg.Usage, true)))
	p.writer.Enqueue(storage.InsertMessageJob(requestID, ts, &msg, false))
	p.metrics.MessageAssembled(&msg, false)
	return &msg, true
}

func usageUpdate(model string, u assembler.Usage, success bool) storage.UsageUpdate {
	return storage.UsageUpdate{
		Model:               model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		Success:             success,
	}
}

type livePublisher struct {
	ctx      context.Context
	sink     SnapshotSink
	id       string
	interval time.Duration
	last     time.Time
}

func (p *Processor) newPublisher(ctx context.Context, id string) *livePublisher {
	return &livePublisher{ctx: ctx, sink: p.live, id: id, interval: p.liveInterval}
}

func (l *livePublisher) maybe(snap assembler.Snapshot) {
	if l.sink == nil || time.Since(l.last) < l.interval {
		return
	}
	l.put(snap)
}

func (l *livePublisher) final(snap assembler.Snapshot) {
	if l.sink != nil {
		l.put(snap)
	}
}

func (l *livePublisher) put(snap assembler.Snapshot) {
	l.last = time.Now()
	if err := l.sink.Put(l.ctx, l.id, snap); err != nil {
		log.Warn().Err(err).Str("request_id", l.id).Msg("failed to publish live snapshot")
	}
}
