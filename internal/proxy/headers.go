package proxy

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// anthropicHeaders are recorded with every request.
var anthropicHeaders = []string{
	"Anthropic-Version",
	"Anthropic-Beta",
}

// anthropicOnlyHeaders are understood only by api.anthropic.com and are
// dropped when forwarding to a compatible upstream with stripping enabled.
var anthropicOnlyHeaders = []string{
	"Anthropic-Beta",
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func deleteHeaders(h http.Header, keys []string) {
	for _, key := range keys {
		h.Del(key)
	}
}

func prepareUpstreamHeaders(original http.Header, apiKey string, stripAnthropicOnly bool) http.Header {
	h := make(http.Header)
	copyHeaders(h, original)
	deleteHeaders(h, hopByHopHeaders)
	if stripAnthropicOnly {
		deleteHeaders(h, anthropicOnlyHeaders)
	}

	h.Del("Host")

	// Inject auth if API key provided and the client sent none
	if apiKey != "" && h.Get("Authorization") == "" && h.Get("X-Api-Key") == "" {
		h.Set("X-Api-Key", apiKey)
	}

	// Uncompressed responses keep SSE parseable
	h.Del("Accept-Encoding")

	return h
}

func prepareClientHeaders(upstream http.Header) http.Header {
	h := make(http.Header)
	copyHeaders(h, upstream)
	deleteHeaders(h, hopByHopHeaders)
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	return h
}

// recordedHeaders returns the values of anthropicHeaders, comma-joined,
// keyed by canonical name.
func recordedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(anthropicHeaders))
	for _, key := range anthropicHeaders {
		if vv := h.Values(key); len(vv) > 0 {
			out[key] = strings.Join(vv, ",")
		}
	}
	return out
}

// headerMap copies h for storage with credentials redacted.
func headerMap(h http.Header) map[string][]string {
	m := make(map[string][]string, len(h))
	for k, v := range h {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key":
			m[k] = []string{"[REDACTED]"}
		default:
			m[k] = v
		}
	}
	return m
}
