// Package upstream builds and executes the outbound request a cache miss
// forwards upstream — the UpstreamForwarder of spec.md §4.3.
package upstream

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/replayproxy/replayproxy/internal/reqresp"
)

// Forwarder rewrites inbound requests onto a fixed upstream origin and
// executes them. Build is local-only and never touches the network, so
// constructing a request costs no round trip; Execute is the only method
// that dials out, grounded on the teacher's UpstreamClient.Do split
// between request construction and Client.Do.
type Forwarder struct {
	client   *http.Client
	upstream *url.URL
}

// New builds a Forwarder targeting upstream (scheme+host[+port], plus an
// optional path that Build uses as a prefix). The transport mirrors the teacher's UpstreamClient: explicit
// timeouts rather than relying on http.DefaultTransport's zero-value
// idle behavior, and DisableCompression so a recorded body is exactly
// the bytes upstream sent rather than something net/http transparently
// decompressed.
func New(upstream *url.URL) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	return &Forwarder{
		client:   &http.Client{Transport: transport, Timeout: 0},
		upstream: upstream,
	}
}

// Build spools req's body to a temp file (so Execute can send it, and
// send it again after a rewind, without holding it all in memory) and
// rewrites the request onto the upstream origin: scheme,
// host and port come from the configured upstream; path is the
// upstream's path prefix joined with the inbound path; query and
// fragment pass through unchanged. Every inbound header except Host is
// copied, then Host is set to the rewritten origin's host, per
// spec.md §4.3.
//
// The returned Prepared's body is a *os.File positioned at offset 0;
// callers (including Execute) may Seek it back to 0 to read it again.
func (f *Forwarder) Build(req reqresp.RequestView) (*Prepared, error) {
	spool, err := os.CreateTemp("", "replayproxy-upstream-*")
	if err != nil {
		return nil, fmt.Errorf("upstream: spooling request body: %w", err)
	}
	// The caller owns cleanup via Prepared.Close; os.CreateTemp files
	// aren't removed automatically.

	if body := req.Body(); body != nil {
		if _, err := io.Copy(spool, body); err != nil {
			spool.Close()
			os.Remove(spool.Name())
			return nil, fmt.Errorf("upstream: spooling request body: %w", err)
		}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, fmt.Errorf("upstream: rewinding spooled body: %w", err)
	}

	rewritten := rewriteURL(req.URL(), f.upstream)
	headers := rewriteHeaders(req.Headers(), rewritten.Host)

	return &Prepared{
		method:  req.Method(),
		url:     rewritten,
		headers: headers,
		body:    spool,
	}, nil
}

// rewriteURL maps an inbound URL onto the upstream origin: scheme, host
// and any path prefix carried by upstream are preserved; the inbound
// path is appended to upstream's path; query and fragment are carried
// through untouched.
func rewriteURL(in *url.URL, upstream *url.URL) *url.URL {
	out := *upstream
	out.Path = joinPath(upstream.Path, in.Path)
	out.RawPath = ""
	out.RawQuery = in.RawQuery
	out.Fragment = in.Fragment
	return &out
}

func joinPath(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if suffix == "" {
		return prefix
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return prefix + suffix
}

// rewriteHeaders copies every inbound header except Host, then sets
// Host to the rewritten origin's authority.
func rewriteHeaders(in reqresp.HeaderList, host string) reqresp.HeaderList {
	out := make(reqresp.HeaderList, 0, len(in)+1)
	for _, p := range in {
		if strings.EqualFold(p.Name, "Host") {
			continue
		}
		out = append(out, p)
	}
	out = append(out, reqresp.HeaderPair{Name: "Host", Value: host})
	return out
}

// Prepared is a rewritten, locally-buffered request ready to execute.
// It must be closed after use to remove its temp file.
type Prepared struct {
	method  string
	url     *url.URL
	headers reqresp.HeaderList
	body    *os.File
}

// Close removes the spooled body's temp file. Safe to call more than
// once.
func (p *Prepared) Close() error {
	if p.body == nil {
		return nil
	}
	name := p.body.Name()
	p.body.Close()
	err := os.Remove(name)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Execute performs the rewritten request against upstream. It rewinds
// the spooled body before each call, so the same Prepared can be
// retried.
func (f *Forwarder) Execute(p *Prepared) (reqresp.ResponseView, error) {
	if _, err := p.body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("upstream: rewinding spooled body: %w", err)
	}

	// NopCloser keeps the client from closing the spool file after the
	// send, so a later Execute can rewind it; Prepared.Close owns it.
	req, err := http.NewRequest(p.method, p.url.String(), io.NopCloser(p.body))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	req.Header = p.headers.ToHTTPHeader()
	req.Host = p.headers.Get("Host")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: executing request: %w", err)
	}
	return reqresp.FromHTTPResponse(resp), nil
}
