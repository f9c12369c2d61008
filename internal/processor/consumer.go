package processor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/sidekick-assembler/internal/jetstream"
)

var errConsumerStopped = errors.New("consumer stopped")

// finishedTTL is how long a request id is remembered after its done marker.
// Chunks redelivered within that window are dropped instead of starting a new
// stream.
const finishedTTL = 5 * time.Minute

// StartConsumer reads response chunks published by the proxy and feeds each
// request's chunks, in order, into ProcessStream. It blocks until ctx is done.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) {
	r := newRouter(ctx, func(ctx context.Context, id uuid.UUID, ts time.Time, body io.Reader) {
		p.ProcessStream(ctx, id, ts, body)
	})

	sub, err := js.Subscribe(jetstream.SubjectPrefix+">", func(msg *nats.Msg) {
		r.dispatch(msg.Subject, jetstream.Timestamp(msg), msg.Data)
		if err := msg.Ack(); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to ack chunk")
		}
	}, nats.Durable(jetstream.ConsumerName), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to response chunks")
		return
	}
	log.Info().Str("consumer", jetstream.ConsumerName).Msg("chunk consumer started")

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Msg("failed to unsubscribe chunk consumer")
	}
	r.closeAll()
}

type streamFunc func(ctx context.Context, id uuid.UUID, ts time.Time, body io.Reader)

// router keeps one pipe per in-flight request. Chunks for a request are
// written to its pipe; the done marker closes it.
type router struct {
	ctx     context.Context
	process streamFunc
	now     func() time.Time

	mu       sync.Mutex
	active   map[string]*io.PipeWriter
	finished map[string]time.Time
	wg       sync.WaitGroup
}

func newRouter(ctx context.Context, process streamFunc) *router {
	return &router{
		ctx:      ctx,
		process:  process,
		now:      time.Now,
		active:   make(map[string]*io.PipeWriter),
		finished: make(map[string]time.Time),
	}
}

func (r *router) dispatch(subject string, ts time.Time, data []byte) {
	id, done, ok := jetstream.ParseSubject(subject)
	if !ok {
		log.Warn().Str("subject", subject).Msg("ignoring chunk on unexpected subject")
		return
	}
	if done {
		r.finish(id)
		return
	}
	if len(data) == 0 {
		return
	}
	pw := r.pipe(id, ts)
	if pw == nil {
		return
	}
	if _, err := pw.Write(data); err != nil {
		log.Warn().Err(err).Str("request_id", id).Msg("dropping chunk for finished stream")
	}
}

func (r *router) pipe(id string, ts time.Time) *io.PipeWriter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pw, ok := r.active[id]; ok {
		return pw
	}
	if at, ok := r.finished[id]; ok {
		if r.now().Sub(at) < finishedTTL {
			log.Debug().Str("request_id", id).Msg("dropping late chunk for finished stream")
			return nil
		}
		delete(r.finished, id)
	}

	requestID, err := uuid.Parse(id)
	if err != nil {
		log.Warn().Str("request_id", id).Msg("ignoring chunk with invalid request id")
		return nil
	}

	pr, pw := io.Pipe()
	r.active[id] = pw
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.process(r.ctx, requestID, ts, pr)
		// unblock writers if process returned early
		pr.CloseWithError(errConsumerStopped)
	}()
	return pw
}

func (r *router) finish(id string) {
	r.mu.Lock()
	pw, ok := r.active[id]
	delete(r.active, id)
	now := r.now()
	for seen, at := range r.finished {
		if now.Sub(at) >= finishedTTL {
			delete(r.finished, seen)
		}
	}
	r.finished[id] = now
	r.mu.Unlock()
	if ok {
		pw.Close()
	}
}

// closeAll ends every open pipe with an error and waits for processing to
// finish.
func (r *router) closeAll() {
	r.mu.Lock()
	for id, pw := range r.active {
		pw.CloseWithError(io.ErrUnexpectedEOF)
		delete(r.active, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
