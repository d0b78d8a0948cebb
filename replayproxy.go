// Package replayproxy is the embeddable library surface of the
// record-and-replay HTTP proxy: start a server bound to an ephemeral
// port, point a client at it instead of the real upstream, and inspect
// or tear it down programmatically. This mirrors the Rust original's
// Parody/start/start_default API (spec.md §6's "exposed programmatic
// operations").
package replayproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/replayproxy/replayproxy/internal/config"
	"github.com/replayproxy/replayproxy/internal/proxy"
	"github.com/replayproxy/replayproxy/internal/store"
	"github.com/replayproxy/replayproxy/internal/upstream"
)

// shutdownTimeout bounds how long Close waits for in-flight requests
// before giving up, matching the teacher's main.go shutdown path.
const shutdownTimeout = 30 * time.Second

// Server is a running record-and-replay proxy instance.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	log        *proxy.RequestLog
	closeOnce  sync.Once
	closeErr   error
}

// Start parses upstreamURL and begins recording/replaying against it,
// storing entries under storageDir with the documented defaults (query
// parameters all significant, host included in the key). It is the Go
// analogue of the original's start().
func Start(upstreamURL, storageDir string) (*Server, error) {
	cfg, err := config.Load([]string{upstreamURL, storageDir})
	if err != nil {
		return nil, err
	}
	return StartConfig(cfg)
}

// StartConfig begins recording/replaying using an explicitly assembled
// Config, for callers that need something other than Load's defaults
// (e.g. a restricted query policy or a mirror).
func StartConfig(cfg config.Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("replayproxy: listening on %s: %w", cfg.ListenAddr, err)
	}

	var mirror store.Mirror
	if cfg.MirrorEnabled() {
		m, err := store.NewS3Mirror(context.Background(), cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("replayproxy: configuring mirror: %w", err)
		}
		mirror = m
	}

	reqLog := proxy.NewRequestLog(cfg.RequestLogLimit)
	forwarder := upstream.New(cfg.UpstreamURL)
	handler := proxy.NewHandler(cfg.KeyspaceConfig(), forwarder, mirror, reqLog)

	h2s := &http2.Server{}
	logged := proxy.LoggingMiddleware(handler)

	httpServer := &http.Server{Handler: h2c.NewHandler(logged, h2s)}

	srv := &Server{
		listener:   listener,
		httpServer: httpServer,
		log:        reqLog,
	}

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}()

	return srv, nil
}

// IP returns the address the server is listening on.
func (s *Server) IP() net.IP {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP
}

// Port returns the TCP port the server is listening on — useful when it
// was started on port 0 for an OS-assigned ephemeral port.
func (s *Server) Port() int {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.Port
}

// URL returns the base URL a client should target instead of the real
// upstream.
func (s *Server) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: s.listener.Addr().String()}
}

// Requests returns a snapshot of the logged requests, in the order they
// were logged. The log keeps at most cfg.RequestLogLimit entries (when
// positive) and drops the oldest beyond that.
func (s *Server) Requests() []proxy.RequestLogItem {
	return s.log.Snapshot()
}

// Close stops the server, the Go analogue of the original's Drop impl
// closing its listener — Go has no destructors, so embedding callers
// must defer Close explicitly.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.closeErr = s.httpServer.Shutdown(ctx)
	})
	return s.closeErr
}
