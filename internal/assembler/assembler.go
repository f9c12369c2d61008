// Package assembler rebuilds a complete Messages API response from its
// streaming events.
//
// An Assembler consumes events one at a time, in order, and after each one
// exposes a Snapshot of the partial message. Malformed or out-of-order
// sequences halt it with a typed error; it never resynchronizes and never
// hides a fault behind a best-effort result. One Assembler serves exactly one
// message and holds no resources beyond its own buffers.
package assembler

import (
	"iter"

	"github.com/rs/zerolog"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// eventEndOfStream names the pseudo event reported when input ends early.
const eventEndOfStream = "end_of_stream"

type Option func(*Assembler)

// WithLogger sets the logger used for block lifecycle and fatal stream errors.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

type Assembler struct {
	state    State
	meta     meta
	blocks   *tracker
	event    string
	msg      *Message
	err      error
	consumed bool
	log      zerolog.Logger
}

func New(opts ...Option) *Assembler {
	a := &Assembler{
		state:  AwaitingStart,
		blocks: newTracker(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply advances the assembler by one event. After the first error every
// further call returns that same error without consuming the event.
func (a *Assembler) Apply(ev stream.Event) (Snapshot, error) {
	if a.err != nil {
		return a.Snapshot(), a.err
	}
	a.event = ev.EventType()
	if err := a.step(ev); err != nil {
		err = a.fail(err)
		return a.Snapshot(), err
	}
	return a.Snapshot(), nil
}

// End reports whether the input may end here. It returns nil once the message
// has finished; otherwise the stream was cut short and the error names the
// first block left open, or the state the assembler was left in.
func (a *Assembler) End() error {
	if a.err != nil {
		return a.err
	}
	if a.state == Finished {
		return nil
	}
	if idx, ok := a.blocks.firstOpen(); ok {
		return a.fail(&UnclosedBlockError{Index: idx})
	}
	return a.fail(&UnexpectedEventError{State: a.state, Event: eventEndOfStream})
}

// Assemble lazily drives the assembler over events, yielding one snapshot per
// event consumed. A fatal error, whether from the input or from assembly, is
// yielded once together with the partial snapshot and ends the sequence, as
// does input that ends before message_stop. The sequence is single-pass: an
// Assembler can assemble one stream only.
func (a *Assembler) Assemble(events iter.Seq2[stream.Event, error]) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		if a.consumed {
			yield(a.Snapshot(), ErrReused)
			return
		}
		a.consumed = true

		for ev, err := range events {
			if err != nil {
				if a.err == nil {
					err = a.fail(err)
				}
				yield(a.Snapshot(), err)
				return
			}
			snap, err := a.Apply(ev)
			if !yield(snap, err) || err != nil {
				return
			}
		}

		if err := a.End(); err != nil {
			yield(a.Snapshot(), err)
		}
	}
}

func (a *Assembler) step(ev stream.Event) error {
	if a.state == Finished {
		return &UnexpectedEventError{State: a.state, Event: ev.EventType()}
	}

	if e, ok := ev.(*stream.MessageStart); ok {
		if a.state != AwaitingStart {
			return &UnexpectedEventError{State: a.state, Event: ev.EventType()}
		}
		a.meta.start(e.Message)
		a.state = InMessage
		a.log.Debug().Str("message_id", a.meta.id).Str("model", a.meta.model).Msg("message started")
		return nil
	}

	// Everything else, ping and error frames included, belongs inside a message.
	if a.state != InMessage {
		return &UnexpectedEventError{State: a.state, Event: ev.EventType()}
	}

	switch e := ev.(type) {
	case *stream.Ping:
	case *stream.Error:
		return &UpstreamError{Type: e.ErrorType, Message: e.Message}
	case *stream.ContentBlockStart:
		if err := a.blocks.open(e.Index, e.Block); err != nil {
			return err
		}
		a.log.Debug().Int("index", e.Index).Str("type", e.Block.Type).Msg("content block opened")
	case *stream.ContentBlockDelta:
		return a.blocks.delta(e.Index, e.Delta)
	case *stream.ContentBlockStop:
		if _, err := a.blocks.close(e.Index); err != nil {
			return err
		}
		a.log.Debug().Int("index", e.Index).Msg("content block closed")
	case *stream.MessageDelta:
		a.meta.delta(e)
	case *stream.MessageStop:
		if idx, ok := a.blocks.firstOpen(); ok {
			return &UnclosedBlockError{Index: idx}
		}
		a.msg = a.build()
		a.state = Finished
		a.log.Debug().
			Str("message_id", a.msg.ID).
			Int("blocks", len(a.msg.Content)).
			Str("stop_reason", a.msg.Stop()).
			Msg("message assembled")
	default:
		return &stream.DecodeError{Tag: ev.EventType(), Err: stream.ErrUnknownEventType}
	}
	return nil
}

func (a *Assembler) fail(err error) error {
	a.err = err
	prev := a.state
	a.state = Failed
	a.log.Warn().
		Err(err).
		Str("kind", ErrorKind(err)).
		Str("state", prev.String()).
		Str("event", a.event).
		Str("message_id", a.meta.id).
		Msg("stream assembly halted")
	return err
}

func (a *Assembler) build() *Message {
	return &Message{
		ID:           a.meta.id,
		Type:         "message",
		Role:         a.meta.role,
		Model:        a.meta.model,
		Content:      a.blocks.content(),
		StopReason:   a.meta.stopReason,
		StopSequence: a.meta.stopSequence,
		Usage:        a.meta.usage,
	}
}

// Snapshot returns the current view, including after a fatal error.
func (a *Assembler) Snapshot() Snapshot {
	return Snapshot{
		State:        a.state,
		Event:        a.event,
		ID:           a.meta.id,
		Role:         a.meta.role,
		Model:        a.meta.model,
		Blocks:       a.blocks.views(),
		StopReason:   derefString(a.meta.stopReason),
		StopSequence: a.meta.stopSequence,
		Usage:        a.meta.usage,
		Message:      a.msg,
	}
}

// Message returns the assembled message once message_stop has been applied.
func (a *Assembler) Message() (*Message, bool) {
	return a.msg, a.msg != nil
}

// Err returns the fatal error that halted the assembler, if any.
func (a *Assembler) Err() error { return a.err }

func (a *Assembler) State() State { return a.state }
