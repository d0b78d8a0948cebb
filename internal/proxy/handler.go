// Package proxy hosts the record-and-replay HTTP handler: the Pipeline
// of spec.md §4.4 wired over internal/store, internal/upstream, and
// internal/stream.
package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/replayproxy/replayproxy/internal/keyspace"
	"github.com/replayproxy/replayproxy/internal/reqresp"
	"github.com/replayproxy/replayproxy/internal/store"
	"github.com/replayproxy/replayproxy/internal/stream"
	"github.com/replayproxy/replayproxy/internal/upstream"
)

// Handler implements the record-and-replay pipeline: resolve the cache
// key, serve a hit straight from disk, or forward a miss upstream and
// record the response while streaming it to the caller.
type Handler struct {
	keyspaceCfg keyspace.Config
	forwarder   *upstream.Forwarder
	mirror      store.Mirror
	log         *RequestLog
}

// NewHandler builds a Handler. mirror may be nil, in which case no
// off-site replication happens. log may be nil, in which case requests
// are not recorded for introspection.
func NewHandler(keyspaceCfg keyspace.Config, forwarder *upstream.Forwarder, mirror store.Mirror, log *RequestLog) *Handler {
	return &Handler{
		keyspaceCfg: keyspaceCfg,
		forwarder:   forwarder,
		mirror:      mirror,
		log:         log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	view := reqresp.FromHTTPRequest(r)

	if h.log != nil {
		h.log.Append(RequestLogItem{Method: r.Method, URL: r.URL.String()})
	}

	st, err := store.New(view, h.keyspaceCfg)
	if err != nil {
		slog.Error("resolving cache key", "method", r.Method, "url", r.URL.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if h.mirror != nil {
		st.SetMirror(h.mirror)
	}

	cached, err := st.Lookup()
	switch {
	case err == nil:
		slog.Debug("cache hit", "method", r.Method, "url", r.URL.String())
		h.serveCached(w, cached)
		return
	case errors.Is(err, store.ErrCacheMiss):
		slog.Debug("cache miss", "method", r.Method, "url", r.URL.String())
	default:
		var malformedStatus *store.MalformedStatusError
		var malformedHeaders *store.MalformedHeadersError
		if errors.As(err, &malformedStatus) || errors.As(err, &malformedHeaders) {
			slog.Warn("cache entry is malformed", "method", r.Method, "url", r.URL.String(), "error", err)
		} else {
			slog.Error("cache lookup failed", "method", r.Method, "url", r.URL.String(), "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.forwardAndRecord(w, view, st)
}

func (h *Handler) serveCached(w http.ResponseWriter, resp reqresp.ResponseView) {
	header := w.Header()
	for k, v := range resp.Headers().ToHTTPHeader() {
		header[k] = v
	}
	w.WriteHeader(resp.Status())
	if _, err := io.Copy(w, resp.Body()); err != nil {
		slog.Debug("writing cached response body", "error", err)
	}
}

func (h *Handler) forwardAndRecord(w http.ResponseWriter, view reqresp.RequestView, st *store.Store) {
	prepared, err := h.forwarder.Build(view)
	if err != nil {
		slog.Error("preparing upstream request", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer prepared.Close()

	resp, err := h.forwarder.Execute(prepared)
	if err != nil {
		slog.Error("executing upstream request", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if closer, ok := resp.Body().(io.Closer); ok {
		defer closer.Close()
	}

	status := resp.Status()
	headers := resp.Headers()

	header := w.Header()
	for k, v := range headers.ToHTTPHeader() {
		header[k] = v
	}
	w.WriteHeader(status)

	if err := stream.ToStore(resp.Body(), w, st, status, headers); err != nil {
		slog.Debug("streaming upstream response to client", "error", err)
	}
}
