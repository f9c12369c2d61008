// Package metrics exposes Prometheus counters for the stream analytics
// pipeline on a private registry. All methods are safe on a nil *Registry so
// callers can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/namikmesic/sidekick-assembler/internal/assembler"
)

type Registry struct {
	reg *prometheus.Registry

	// sidekick_sse_events_total{event}
	events *prometheus.CounterVec

	// sidekick_messages_assembled_total{stop_reason,streamed}
	messages *prometheus.CounterVec

	// sidekick_stream_errors_total{kind}
	streamErrors *prometheus.CounterVec

	// sidekick_tokens_total{direction}
	tokens *prometheus.CounterVec

	// sidekick_inflight_streams
	inFlight prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_sse_events_total",
				Help: "SSE frames read from upstream responses, by event name",
			},
			[]string{"event"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_messages_assembled_total",
				Help: "Messages assembled from upstream responses",
			},
			[]string{"stop_reason", "streamed"},
		),
		streamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_stream_errors_total",
				Help: "Response streams that could not be assembled, by error kind",
			},
			[]string{"kind"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_tokens_total",
				Help: "Tokens reported in assembled messages",
			},
			[]string{"direction"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidekick_inflight_streams",
			Help: "Response streams currently being assembled",
		}),
	}

	reg.MustRegister(r.events, r.messages, r.streamErrors, r.tokens, r.inFlight)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) SSEEvent(event string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(event).Inc()
}

func (r *Registry) StreamStarted() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Registry) StreamDone() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}

// MessageAssembled counts a finished message and its token usage.
func (r *Registry) MessageAssembled(msg *assembler.Message, streamed bool) {
	if r == nil || msg == nil {
		return
	}
	reason := msg.Stop()
	if reason == "" {
		reason = "none"
	}
	s := "false"
	if streamed {
		s = "true"
	}
	r.messages.WithLabelValues(reason, s).Inc()

	u := msg.Usage
	r.tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	r.tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	r.tokens.WithLabelValues("cache_read").Add(float64(u.CacheReadInputTokens))
	r.tokens.WithLabelValues("cache_creation").Add(float64(u.CacheCreationInputTokens))
}

func (r *Registry) StreamError(err error) {
	if r == nil || err == nil {
		return
	}
	r.streamErrors.WithLabelValues(assembler.ErrorKind(err)).Inc()
}
