package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/sidekick-assembler/internal/assembler"
	"github.com/namikmesic/sidekick-assembler/internal/config"
	"github.com/namikmesic/sidekick-assembler/internal/jetstream"
	"github.com/namikmesic/sidekick-assembler/internal/livestate"
	"github.com/namikmesic/sidekick-assembler/internal/processor"
	"github.com/namikmesic/sidekick-assembler/internal/storage"
	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

const chunkSize = 32 * 1024

// MessageProcessor turns a non-streaming response body into an assembled
// message.
type MessageProcessor interface {
	ProcessNonStream(requestID uuid.UUID, ts time.Time, body []byte) (*assembler.Message, bool)
}

// LiveReader serves the latest snapshot of an in-flight stream.
type LiveReader interface {
	Get(ctx context.Context, requestID string) ([]byte, error)
}

// Handler is the core reverse proxy.
type Handler struct {
	cfg       *config.Config
	client    *http.Client
	writer    storage.Queue
	processor MessageProcessor
	js        jetstream.Publisher
	live      LiveReader
	metrics   http.Handler
	mux       *http.ServeMux
}

type Option func(*Handler)

func WithLiveReader(r LiveReader) Option {
	return func(h *Handler) { h.live = r }
}

func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(cfg *config.Config, writer storage.Queue, proc MessageProcessor, js jetstream.Publisher, opts ...Option) *Handler {
	h := &Handler{
		cfg: cfg,
		client: &http.Client{
			// Streaming responses can be long-lived
			Timeout: 0,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		writer:    writer,
		processor: proc,
		js:        js,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /_sidekick/live/{id}", h.serveLive)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	h.mux.HandleFunc("/", h.proxy)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveLive(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		http.Error(w, "live snapshots are disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	data, err := h.live.Get(r.Context(), id)
	if errors.Is(err, livestate.ErrNotFound) {
		http.Error(w, "no snapshot for request", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("failed to read live snapshot")
		http.Error(w, "live snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New()
	ts := time.Now()
	start := ts

	var reqBody []byte
	if r.Body != nil {
		var err error
		reqBody, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			log.Error().Err(err).Msg("failed to read request body")
			http.Error(w, "failed to read request body", http.StatusBadGateway)
			return
		}
	}

	reqParsed := processor.ParseRequest(reqBody)
	recorded := recordedHeaders(r.Header)

	targetURL := buildTargetURL(h.cfg.AnthropicBaseURL, r.URL.Path, r.URL.RawQuery)
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(reqBody))
	if err != nil {
		log.Error().Err(err).Msg("failed to create upstream request")
		http.Error(w, "failed to create upstream request", http.StatusBadGateway)
		return
	}

	upstreamReq.Header = prepareUpstreamHeaders(r.Header, h.cfg.AnthropicAPIKey, h.cfg.StripAnthropicOnlyHeaders)

	record := &storage.RequestRecord{
		ID:                   requestID,
		Timestamp:            ts,
		Method:               r.Method,
		Path:                 r.URL.Path,
		ToolCount:            reqParsed.ToolCount,
		ThinkingBudgetTokens: reqParsed.ThinkingBudgetTokens,
		AnthropicVersion:     recorded["Anthropic-Version"],
		AnthropicBeta:        recorded["Anthropic-Beta"],
	}

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		log.Error().Err(err).Str("url", targetURL).Msg("upstream request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)

		record.StatusCode = http.StatusBadGateway
		record.ErrorMessage = err.Error()
		record.ResponseTimeMs = int(time.Since(start).Milliseconds())
		h.writer.Enqueue(storage.InsertRequestJob(record))
		return
	}
	defer resp.Body.Close()

	isStreaming := isStreamingResponse(resp)

	record.StatusCode = resp.StatusCode
	record.Success = resp.StatusCode >= 200 && resp.StatusCode < 400
	record.ResponseTimeMs = int(time.Since(start).Milliseconds())
	record.IsStream = isStreaming
	h.writer.Enqueue(storage.InsertRequestJob(record))

	copyHeaders(w.Header(), prepareClientHeaders(resp.Header))
	w.Header().Set("X-Sidekick-Request-Id", requestID.String())

	if isStreaming {
		h.handleStreaming(w, resp, requestID, ts, r, reqBody, reqParsed)
	} else {
		h.handleNonStreaming(w, resp, requestID, ts, r, reqBody, reqParsed)
	}

	log.Info().
		Str("request_id", requestID.String()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", resp.StatusCode).
		Bool("stream", isStreaming).
		Dur("duration", time.Since(start)).
		Msg("proxied request")
}

func (h *Handler) handleStreaming(w http.ResponseWriter, resp *http.Response, requestID uuid.UUID, ts time.Time, origReq *http.Request, reqBody []byte, reqParsed processor.ParsedRequest) {
	h.storePayload(requestID, ts, origReq, reqBody, resp, nil, reqParsed, nil)

	client, mirror := stream.TeeBody(resp.Body)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.publishMirror(requestID.String(), ts, mirror)
	}()

	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	clientGone := false

	for {
		n, err := client.Read(buf)
		if n > 0 && !clientGone {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// keep reading so the mirror still sees the whole stream
				clientGone = true
			} else if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("request_id", requestID.String()).Msg("upstream stream ended with error")
			}
			break
		}
	}
	client.Close()
	wg.Wait()
}

// publishMirror forwards the mirrored body to JetStream in chunks and ends
// with the done marker. It always drains mirror.
func (h *Handler) publishMirror(requestID string, ts time.Time, mirror io.Reader) {
	buf := make([]byte, chunkSize)
	failed := false
	for {
		n, err := mirror.Read(buf)
		if n > 0 && !failed {
			if perr := jetstream.PublishChunk(h.js, requestID, ts, bytes.Clone(buf[:n])); perr != nil {
				log.Error().Err(perr).Str("request_id", requestID).Msg("failed to publish response chunk")
				failed = true
			}
		}
		if err != nil {
			break
		}
	}
	if err := jetstream.PublishDone(h.js, requestID, ts); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to publish done marker")
	}
}

func (h *Handler) handleNonStreaming(w http.ResponseWriter, resp *http.Response, requestID uuid.UUID, ts time.Time, origReq *http.Request, reqBody []byte, reqParsed processor.ParsedRequest) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed to read response body")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	var stopSequence *string
	if msg, ok := h.processor.ProcessNonStream(requestID, ts, respBody); ok {
		stopSequence = msg.StopSequence
	}
	h.storePayload(requestID, ts, origReq, reqBody, resp, respBody, reqParsed, stopSequence)
}

func (h *Handler) storePayload(requestID uuid.UUID, ts time.Time, req *http.Request, reqBody []byte, resp *http.Response, respBody []byte, reqParsed processor.ParsedRequest, stopSequence *string) {
	extras := storage.PayloadExtras{
		SystemPrompt:   reqParsed.SystemPrompt,
		MaxTokens:      reqParsed.MaxTokens,
		Temperature:    reqParsed.Temperature,
		TopP:           reqParsed.TopP,
		MessageCount:   reqParsed.MessageCount,
		StopSequence:   stopSequence,
		ToolNames:      reqParsed.ToolNames,
		ToolChoice:     reqParsed.ToolChoice,
		MetadataUserID: reqParsed.MetadataUserID,
	}
	h.writer.Enqueue(storage.InsertPayloadJob(requestID, ts, headerMap(req.Header), headerMap(resp.Header), reqBody, respBody, extras))
}

func isStreamingResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}
