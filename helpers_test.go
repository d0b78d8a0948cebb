package replayproxy_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}
