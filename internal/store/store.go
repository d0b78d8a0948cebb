// Package store implements the CacheStore of spec.md §4.2: reading and
// writing a single CacheEntry (status, headers, body) at the path the
// keyspace package resolves for a request.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/replayproxy/replayproxy/internal/keyspace"
	"github.com/replayproxy/replayproxy/internal/reqresp"
)

const (
	statusExt  = ".status"
	headersExt = ".headers.yaml"
	bodyExt    = ".body"
)

// ErrCacheMiss is the expected, non-error outcome of Lookup when no entry
// exists for the request's method at the resolved key. It is not a
// failure — the pipeline treats it as a signal to consult upstream.
var ErrCacheMiss = errors.New("store: cache miss")

// MalformedStatusError is returned when a present status file cannot be
// parsed as a decimal status code in [100, 599].
type MalformedStatusError struct {
	Path string
	Err  error
}

func (e *MalformedStatusError) Error() string {
	return fmt.Sprintf("store: malformed status file %s: %v", e.Path, e.Err)
}
func (e *MalformedStatusError) Unwrap() error { return e.Err }

// MalformedHeadersError is returned when a present headers file cannot be
// parsed as a YAML sequence of [name, value] pairs.
type MalformedHeadersError struct {
	Path string
	Err  error
}

func (e *MalformedHeadersError) Error() string {
	return fmt.Sprintf("store: malformed headers file %s: %v", e.Path, e.Err)
}
func (e *MalformedHeadersError) Unwrap() error { return e.Err }

// Store is a CacheStore scoped to a single request: constructed with the
// request and the shared CacheConfig, used once for Lookup or Store, then
// discarded. It is not safe to reuse across requests.
type Store struct {
	method string
	dir    string // absolute directory holding <METHOD>.{status,headers.yaml,body}
	relKey string // cache key relative to cfg.RootDir, used only to key mirror replication
	mirror Mirror
}

// SetMirror attaches a supplemental replication target. When set, a
// successful Store asynchronously pushes a copy of the entry to the
// mirror; failures there are logged and never affect the caller of
// Store, which has already completed from the local filesystem's point
// of view.
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
}

// New resolves the cache key for req under cfg and returns a Store scoped
// to that (method, key) pair.
func New(req reqresp.RequestView, cfg keyspace.Config) (*Store, error) {
	relKey, err := keyspace.Encode(req, cfg)
	if err != nil {
		return nil, err
	}

	root := cfg.RootDir
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("store: resolving root dir: %w", err)
	}

	return &Store{
		method: strings.ToUpper(req.Method()),
		dir:    filepath.Join(absRoot, filepath.FromSlash(relKey)),
		relKey: relKey,
	}, nil
}

func (s *Store) statusPath() string  { return filepath.Join(s.dir, s.method+statusExt) }
func (s *Store) headersPath() string { return filepath.Join(s.dir, s.method+headersExt) }
func (s *Store) bodyPath() string    { return filepath.Join(s.dir, s.method+bodyExt) }

// Lookup resolves the entry for this store's (method, key). It returns
// ErrCacheMiss if the directory or the status file is absent — the two
// conditions spec.md §3 treats as "not present" — or a typed error if the
// status/headers files exist but don't parse.
func (s *Store) Lookup() (reqresp.ResponseView, error) {
	if _, err := os.Stat(s.dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("store: stat %s: %w", s.dir, err)
	}

	status, err := s.loadStatus()
	if err != nil {
		return nil, err
	}

	headers, err := s.loadHeaders()
	if err != nil {
		return nil, err
	}

	return reqresp.Static{
		StatusCode: status,
		HeaderList: headers,
		BodyReader: &lazyBodyReader{path: s.bodyPath()},
	}, nil
}

func (s *Store) loadStatus() (int, error) {
	path := s.statusPath()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrCacheMiss
		}
		return 0, fmt.Errorf("store: reading %s: %w", path, err)
	}

	status, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || status < 100 || status > 599 {
		if err == nil {
			err = fmt.Errorf("status %d out of range [100, 599]", status)
		}
		return 0, &MalformedStatusError{Path: path, Err: err}
	}
	return status, nil
}

func (s *Store) loadHeaders() (reqresp.HeaderList, error) {
	path := s.headersPath()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}

	var pairs [][2]string
	if err := yaml.Unmarshal(raw, &pairs); err != nil {
		return nil, &MalformedHeadersError{Path: path, Err: err}
	}

	headers := make(reqresp.HeaderList, 0, len(pairs))
	for _, p := range pairs {
		headers = append(headers, reqresp.HeaderPair{Name: p[0], Value: p[1]})
	}
	return headers, nil
}

// Store persists resp as a complete CacheEntry. Files are written in the
// order body, headers, status — the status file is the existence marker
// (spec.md §3), so a reader concurrent with this write observes either a
// miss or a fully consistent entry, never a partial one. A crash before
// the status file is written leaves an entry Lookup treats as a miss; a
// later Store simply overwrites it.
//
// Two concurrent writers to the same key are not coordinated (spec.md
// §5's single-writer assumption): the last writer of each file wins, and
// interleaving across writers is possible. That's an accepted non-goal,
// not a bug in this implementation.
func (s *Store) Store(resp reqresp.ResponseView) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: creating %s: %w", s.dir, err)
	}

	if err := s.saveBody(resp); err != nil {
		return err
	}
	if err := s.saveHeaders(resp); err != nil {
		return err
	}
	if err := s.saveStatus(resp); err != nil {
		return err
	}

	if s.mirror != nil {
		s.pushToMirror()
	}
	return nil
}

// pushToMirror reads the just-written entry back off disk and replicates
// it in the background. Reading back rather than retaining the body in
// memory keeps Store's peak memory bounded by one response at a time
// regardless of whether a mirror is configured.
func (s *Store) pushToMirror() {
	dir, method, relKey, mirror := s.dir, s.method, s.relKey, s.mirror
	go func() {
		status, err := os.ReadFile(filepath.Join(dir, method+statusExt))
		if err != nil {
			slog.Warn("mirror: reading status for replication", "key", relKey, "error", err)
			return
		}
		statusCode, err := strconv.Atoi(strings.TrimSpace(string(status)))
		if err != nil {
			slog.Warn("mirror: parsing status for replication", "key", relKey, "error", err)
			return
		}

		var headerPairs [][2]string
		if raw, err := os.ReadFile(filepath.Join(dir, method+headersExt)); err == nil {
			if err := yaml.Unmarshal(raw, &headerPairs); err != nil {
				slog.Warn("mirror: parsing headers for replication", "key", relKey, "error", err)
				return
			}
		}

		body, err := os.ReadFile(filepath.Join(dir, method+bodyExt))
		if err != nil {
			slog.Warn("mirror: reading body for replication", "key", relKey, "error", err)
			return
		}

		err = mirror.Push(context.Background(), relKey, method, entrySnapshot{
			Status:  statusCode,
			Headers: headerPairs,
			Body:    body,
		})
		if err != nil {
			slog.Warn("mirror: replication failed", "key", relKey, "error", err)
		}
	}()
}

func (s *Store) saveBody(resp reqresp.ResponseView) error {
	path := s.bodyPath()
	if err := atomicWrite(path, resp.Body()); err != nil {
		return fmt.Errorf("store: writing %s: %w", path, err)
	}
	return nil
}

func (s *Store) saveHeaders(resp reqresp.ResponseView) error {
	path := s.headersPath()
	headers := resp.Headers()
	pairs := make([][2]string, len(headers))
	for i, p := range headers {
		pairs[i] = [2]string{p.Name, p.Value}
	}

	data, err := yaml.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("store: marshalling headers: %w", err)
	}
	if err := atomicWriteBytes(path, data); err != nil {
		return fmt.Errorf("store: writing %s: %w", path, err)
	}
	return nil
}

func (s *Store) saveStatus(resp reqresp.ResponseView) error {
	path := s.statusPath()
	data := []byte(strconv.Itoa(resp.Status()) + "\n")
	if err := atomicWriteBytes(path, data); err != nil {
		return fmt.Errorf("store: writing %s: %w", path, err)
	}
	return nil
}

// atomicWrite writes r to dst via a temp file in the same directory
// followed by rename, so a reader never observes a partially-written
// file. Grounded on the teacher's fs.go helper of the same name.
func atomicWrite(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// atomicWriteBytes is atomicWrite for an in-memory buffer.
func atomicWriteBytes(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// lazyBodyReader opens the body file on first Read, so a cache hit's body
// is restartable (each Lookup returns a new reader that opens its own
// os.File) and a missing body file at read time is treated as empty rather
// than an error. Repeated Body() calls on one Lookup result share a reader.
type lazyBodyReader struct {
	path string
	f    *os.File
	done bool
}

func (r *lazyBodyReader) Read(p []byte) (int, error) {
	if r.f == nil && !r.done {
		f, err := os.Open(r.path)
		if err != nil {
			if os.IsNotExist(err) {
				r.done = true
				return 0, io.EOF
			}
			return 0, fmt.Errorf("store: opening %s: %w", r.path, err)
		}
		r.f = f
	}
	if r.f == nil {
		return 0, io.EOF
	}
	return r.f.Read(p)
}
