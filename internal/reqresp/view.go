// Package reqresp defines the minimal request/response views the cache
// core consumes, decoupling it from any particular HTTP framework or
// client library.
package reqresp

import (
	"io"
	"net/http"
	"net/url"
)

// HeaderPair is a single name/value entry in an ordered header multimap.
// Storage and transport both preserve order and duplicates; name case is
// byte-preserved (no canonicalization).
type HeaderPair struct {
	Name  string
	Value string
}

// HeaderList is an ordered, duplicate-preserving header multimap.
type HeaderList []HeaderPair

// Get returns the first value for name (case-sensitive), or "" if absent.
func (h HeaderList) Get(name string) string {
	for _, p := range h {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// FromHTTPHeader flattens an http.Header into an ordered list. Since
// http.Header is a map, the order of distinct header names reflects Go's
// map iteration for that call, not necessarily wire order; order among
// duplicate values for the same name is preserved.
func FromHTTPHeader(h http.Header) HeaderList {
	var out HeaderList
	for name, values := range h {
		for _, v := range values {
			out = append(out, HeaderPair{Name: name, Value: v})
		}
	}
	return out
}

// ToHTTPHeader expands an ordered list back into an http.Header, appending
// to each name's entry directly (not via Add, which would canonicalize the
// name) so duplicate names accumulate rather than overwrite.
func (h HeaderList) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, p := range h {
		out[p.Name] = append(out[p.Name], p.Value)
	}
	return out
}

// RequestView is the minimal view the cache core consumes from the hosting
// server for an inbound request.
type RequestView interface {
	Method() string
	URL() *url.URL
	Headers() HeaderList
	Body() io.Reader
}

// ResponseView is the minimal view the cache core consumes from an
// upstream client, and produces back to the hosting server.
type ResponseView interface {
	Status() int
	Headers() HeaderList
	Body() io.Reader
}

// httpRequestView adapts *http.Request to RequestView.
type httpRequestView struct {
	req *http.Request
	url *url.URL
}

// FromHTTPRequest adapts a stdlib *http.Request to a RequestView. For a
// server-side request, r.URL carries only the request-target (its Host
// is empty — the authority lives in r.Host per net/http's documentation
// of Request.URL), so URL() would otherwise report no host at all. The
// view instead reports an absolute URL with Host copied from r.Host,
// matching what the original's url.host_str() sees for an inbound
// request, so keyspace.Encode's host-in-key segment reflects the
// client's addressed host rather than always falling back to
// ":NO-HOST".
func FromHTTPRequest(r *http.Request) RequestView {
	effective := *r.URL
	if effective.Host == "" {
		effective.Host = r.Host
	}
	if effective.Scheme == "" {
		if r.TLS != nil {
			effective.Scheme = "https"
		} else {
			effective.Scheme = "http"
		}
	}
	return httpRequestView{req: r, url: &effective}
}

func (v httpRequestView) Method() string      { return v.req.Method }
func (v httpRequestView) URL() *url.URL       { return v.url }
func (v httpRequestView) Headers() HeaderList { return FromHTTPHeader(v.req.Header) }
func (v httpRequestView) Body() io.Reader     { return v.req.Body }

// httpResponseView adapts *http.Response to ResponseView.
type httpResponseView struct {
	resp *http.Response
}

// FromHTTPResponse adapts a stdlib *http.Response to a ResponseView.
func FromHTTPResponse(r *http.Response) ResponseView {
	return httpResponseView{resp: r}
}

func (v httpResponseView) Status() int         { return v.resp.StatusCode }
func (v httpResponseView) Headers() HeaderList { return FromHTTPHeader(v.resp.Header) }
func (v httpResponseView) Body() io.Reader     { return v.resp.Body }

// Static holds an already-materialized response (e.g. one read back from
// the cache store) and implements ResponseView directly.
type Static struct {
	StatusCode int
	HeaderList HeaderList
	BodyReader io.Reader
}

func (s Static) Status() int         { return s.StatusCode }
func (s Static) Headers() HeaderList { return s.HeaderList }
func (s Static) Body() io.Reader     { return s.BodyReader }
