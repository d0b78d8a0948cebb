// Package keyspace computes the deterministic, human-readable filesystem
// path a request maps to under a cache root — the KeyEncoder of spec.md
// §4.1.
package keyspace

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/replayproxy/replayproxy/internal/reqresp"
)

const (
	querySeparator = ":PARODY-QUERY"
	noHostSegment  = ":NO-HOST"
)

// EncodingError is returned when a path segment percent-decodes to invalid
// UTF-8. It aborts the request with a server error per spec.md §4.1.
type EncodingError struct {
	Segment string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("keyspace: segment %q decodes to invalid UTF-8: %v", e.Segment, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// queryPair is a single name/value query parameter.
type queryPair struct {
	name  string
	value string
}

// Encode computes the relative cache key for req under cfg. The result is
// a slash-separated relative path (platform-independent); callers join it
// to cfg.RootDir with filepath.Join before touching the filesystem.
func Encode(req reqresp.RequestView, cfg Config) (string, error) {
	u := req.URL()

	var segments []string

	if cfg.HostInKey {
		if host := u.Hostname(); host != "" {
			segments = append(segments, host)
		} else {
			segments = append(segments, noHostSegment)
		}
	}

	pathSegs, err := decodePathSegments(u)
	if err != nil {
		return "", err
	}
	segments = append(segments, pathSegs...)

	querySegs := encodeQuerySegments(u, cfg.Query)
	segments = append(segments, querySegs...)

	// A plain strings.Join (not path.Join) is used deliberately: path.Join
	// runs path.Clean, which would collapse an empty trailing path segment
	// that spec.md §4.1 requires us to preserve (e.g. a URL path ending
	// in "/").
	return strings.Join(segments, "/"), nil
}

// decodePathSegments splits the URL's raw (still percent-encoded) path on
// "/", percent-decodes each segment to UTF-8, then re-encodes any literal
// "/" the decode produced as "%2F" so every decoded segment stays a single
// path component. Using EscapedPath (not u.Path) means we control
// decoding ourselves rather than relying on net/url's already-decoded
// form, matching spec.md §4.1 step 3 precisely.
func decodePathSegments(u *url.URL) ([]string, error) {
	raw := u.EscapedPath()
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return nil, nil
	}

	rawSegs := strings.Split(raw, "/")
	out := make([]string, 0, len(rawSegs))
	for _, seg := range rawSegs {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, &EncodingError{Segment: seg, Err: err}
		}
		if !utf8.ValidString(decoded) {
			return nil, &EncodingError{Segment: seg, Err: fmt.Errorf("invalid UTF-8")}
		}
		out = append(out, percentEncodeSlash(decoded))
	}
	return out, nil
}

// encodeQuerySegments filters the URL's query pairs by policy, sorts the
// survivors lexicographically by (name, value), and returns the
// ":PARODY-QUERY" separator segment followed by one segment per pair —
// or nil if no pairs survive the filter.
func encodeQuerySegments(u *url.URL, policy QueryPolicy) []string {
	var pairs []queryPair
	for _, raw := range strings.Split(u.RawQuery, "&") {
		if raw == "" {
			continue
		}
		name, value := raw, ""
		if i := strings.IndexByte(raw, '='); i >= 0 {
			name, value = raw[:i], raw[i+1:]
		}
		decodedName, errN := url.QueryUnescape(name)
		decodedValue, errV := url.QueryUnescape(value)
		if errN != nil {
			decodedName = name
		}
		if errV != nil {
			decodedValue = value
		}
		if !policy.Selects(decodedName) {
			continue
		}
		pairs = append(pairs, queryPair{name: decodedName, value: decodedValue})
	}

	if len(pairs) == 0 {
		return nil
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})

	segs := make([]string, 0, len(pairs)+1)
	segs = append(segs, querySeparator)
	for _, p := range pairs {
		var dirName string
		if p.value != "" {
			dirName = p.name + "=" + p.value
		} else {
			dirName = p.name
		}
		segs = append(segs, percentEncodeSlash(dirName))
	}
	return segs
}

func percentEncodeSlash(s string) string {
	return strings.ReplaceAll(s, "/", "%2F")
}
