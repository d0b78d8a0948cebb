package replayproxy_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/replayproxy/replayproxy"
)

func TestStartRecordsAndReplays(t *testing.T) {
	var upstreamHits int
	upstreamServer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.Write([]byte("recorded once"))
	})
	defer upstreamServer.Close()

	srv, err := replayproxy.Start(upstreamServer.URL, t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	if srv.Port() == 0 {
		t.Fatal("Port() = 0, want an assigned ephemeral port")
	}

	client := srv.URL()
	for i := 0; i < 3; i++ {
		resp, err := http.Get(client.String() + "/fixture")
		if err != nil {
			t.Fatalf("GET #%d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "recorded once" {
			t.Errorf("GET #%d body = %q, want %q", i, body, "recorded once")
		}
	}

	if upstreamHits != 1 {
		t.Errorf("upstream hits = %d, want 1 (only the first request should reach upstream)", upstreamHits)
	}

	requests := srv.Requests()
	if len(requests) != 3 {
		t.Errorf("Requests() returned %d entries, want 3", len(requests))
	}
}

func TestCloseStopsAcceptingNewConnections(t *testing.T) {
	upstreamServer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	defer upstreamServer.Close()

	srv, err := replayproxy.Start(upstreamServer.URL, t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	u := srv.URL()
	if _, err := http.Get(u.String() + "/ok"); err != nil {
		t.Fatalf("GET before Close: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := http.Get(u.String() + "/after-close"); err == nil {
		t.Error("GET after Close succeeded, want connection error")
	}
}
