package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/replayproxy/replayproxy/internal/keyspace"
	"github.com/replayproxy/replayproxy/internal/upstream"
)

func newTestHandler(t *testing.T, upstreamURL *url.URL) (*Handler, *RequestLog) {
	t.Helper()
	cfg := keyspace.NewConfig(t.TempDir())
	fwd := upstream.New(upstreamURL)
	log := NewRequestLog(10)
	return NewHandler(cfg, fwd, nil, log), log
}

func TestHandlerMissForwardsRecordsAndServes(t *testing.T) {
	var upstreamHits int
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.Header().Set("X-From", "upstream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fresh response"))
	}))
	defer upstreamServer.Close()

	upstreamURL, _ := url.Parse(upstreamServer.URL)
	handler, log := newTestHandler(t, upstreamURL)

	req := httptest.NewRequest(http.MethodGet, "/widgets/1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "fresh response" {
		t.Errorf("body = %q, want fresh response", rec.Body.String())
	}
	if got := rec.Header().Get("X-From"); got != "upstream" {
		t.Errorf("X-From = %q, want upstream", got)
	}
	if upstreamHits != 1 {
		t.Fatalf("upstream hits = %d, want 1", upstreamHits)
	}

	entries := log.Snapshot()
	if len(entries) != 1 || entries[0].Method != http.MethodGet {
		t.Errorf("request log = %+v, want one GET entry", entries)
	}
}

func TestHandlerHitServesFromCacheWithoutForwarding(t *testing.T) {
	var upstreamHits int
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.Write([]byte("should only be fetched once"))
	}))
	defer upstreamServer.Close()

	upstreamURL, _ := url.Parse(upstreamServer.URL)
	handler, _ := newTestHandler(t, upstreamURL)

	req := func() *http.Request { return httptest.NewRequest(http.MethodGet, "/widgets/1", nil) }

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req())

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req())

	if upstreamHits != 1 {
		t.Fatalf("upstream hits = %d, want 1 (second request should hit cache)", upstreamHits)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("bodies differ between first (%q) and second (%q) request", first.Body.String(), second.Body.String())
	}
}

func TestHandlerDistinctQueriesAreDistinctEntries(t *testing.T) {
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("q=" + r.URL.RawQuery))
	}))
	defer upstreamServer.Close()

	upstreamURL, _ := url.Parse(upstreamServer.URL)
	handler, _ := newTestHandler(t, upstreamURL)

	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, httptest.NewRequest(http.MethodGet, "/widgets?id=1", nil))

	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, httptest.NewRequest(http.MethodGet, "/widgets?id=2", nil))

	if recA.Body.String() == recB.Body.String() {
		t.Errorf("distinct queries produced the same cached body: %q", recA.Body.String())
	}
}
