package store

import (
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/replayproxy/replayproxy/internal/keyspace"
	"github.com/replayproxy/replayproxy/internal/reqresp"
)

type stubRequest struct {
	method string
	url    *url.URL
}

func (s stubRequest) Method() string              { return s.method }
func (s stubRequest) URL() *url.URL               { return s.url }
func (s stubRequest) Headers() reqresp.HeaderList { return nil }
func (s stubRequest) Body() io.Reader             { return strings.NewReader("") }

type stubResponse struct {
	status  int
	headers reqresp.HeaderList
	body    string
}

func (r stubResponse) Status() int                { return r.status }
func (r stubResponse) Headers() reqresp.HeaderList { return r.headers }
func (r stubResponse) Body() io.Reader            { return strings.NewReader(r.body) }

func newTestStore(t *testing.T, root, rawURL string) *Store {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parsing %q: %v", rawURL, err)
	}
	st, err := New(stubRequest{method: "GET", url: u}, keyspace.NewConfig(root))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestLookupMissOnEmptyRoot(t *testing.T) {
	root := t.TempDir()
	st := newTestStore(t, root, "http://example.com/foo")

	_, err := st.Lookup()
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Lookup() error = %v, want ErrCacheMiss", err)
	}
}

func TestStoreThenLookupRoundTrips(t *testing.T) {
	root := t.TempDir()
	st := newTestStore(t, root, "http://example.com/foo")

	resp := stubResponse{
		status: 201,
		headers: reqresp.HeaderList{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "X-Trace", Value: "abc"},
		},
		body: "hello world",
	}

	if err := st.Store(resp); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := st.Lookup()
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Status() != 201 {
		t.Errorf("Status() = %d, want 201", got.Status())
	}
	if got.Headers().Get("Content-Type") != "text/plain" {
		t.Errorf("Headers().Get(Content-Type) = %q, want text/plain", got.Headers().Get("Content-Type"))
	}
	if got.Headers().Get("X-Trace") != "abc" {
		t.Errorf("Headers().Get(X-Trace) = %q, want abc", got.Headers().Get("X-Trace"))
	}

	body, err := io.ReadAll(got.Body())
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
}

func TestLookupBodyIsRestartableAcrossCalls(t *testing.T) {
	root := t.TempDir()
	st := newTestStore(t, root, "http://example.com/foo")

	if err := st.Store(stubResponse{status: 200, body: "payload"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	first, err := st.Lookup()
	if err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	firstBody, _ := io.ReadAll(first.Body())

	second, err := st.Lookup()
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	secondBody, _ := io.ReadAll(second.Body())

	if string(firstBody) != "payload" || string(secondBody) != "payload" {
		t.Errorf("firstBody=%q secondBody=%q, want both %q", firstBody, secondBody, "payload")
	}
}

func TestLookupMalformedStatus(t *testing.T) {
	root := t.TempDir()
	st := newTestStore(t, root, "http://example.com/foo")

	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, "GET.status"), []byte("not-a-number\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := st.Lookup()
	var malformed *MalformedStatusError
	if !errors.As(err, &malformed) {
		t.Fatalf("Lookup() error = %v, want *MalformedStatusError", err)
	}
}

func TestLookupMalformedHeaders(t *testing.T) {
	root := t.TempDir()
	st := newTestStore(t, root, "http://example.com/foo")

	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, "GET.status"), []byte("200\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, "GET.headers.yaml"), []byte("not: [valid, pairs"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := st.Lookup()
	var malformed *MalformedHeadersError
	if !errors.As(err, &malformed) {
		t.Fatalf("Lookup() error = %v, want *MalformedHeadersError", err)
	}
}

func TestStoreDifferentMethodsDoNotCollide(t *testing.T) {
	root := t.TempDir()
	u, _ := url.Parse("http://example.com/foo")

	getStore, err := New(stubRequest{method: "GET", url: u}, keyspace.NewConfig(root))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	headStore, err := New(stubRequest{method: "HEAD", url: u}, keyspace.NewConfig(root))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := getStore.Store(stubResponse{status: 200, body: "get-body"}); err != nil {
		t.Fatalf("Store GET: %v", err)
	}

	if _, err := headStore.Lookup(); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("HEAD Lookup() error = %v, want ErrCacheMiss", err)
	}
}
