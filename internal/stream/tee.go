// Package stream drives a response body to its caller and into the cache
// store concurrently, so recording a miss needs no in-memory copy of the
// whole body.
package stream

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/replayproxy/replayproxy/internal/reqresp"
)

// Entry is the CacheStore target for a tee: something with a Store
// method taking a fully-known status/header response whose body is
// read exactly once. *store.Store satisfies this.
type Entry interface {
	Store(resp reqresp.ResponseView) error
}

// ToStore streams src to dst while simultaneously feeding an identical
// copy into entry's Store, via an io.Pipe the way the teacher's
// TeeToStore does for its registry blobs. Caching is best-effort: if
// the store write fails, the caller's stream is not interrupted. The pipe
// is unbuffered, so the copy to dst proceeds at the pace the store reads
// it, and ToStore returns only after entry's Store has returned.
//
// status and headers must already be known (read off the upstream
// response before its body is consumed) since CacheStore.Store writes
// headers and status only after the body copy completes.
func ToStore(src io.Reader, dst io.Writer, entry Entry, status int, headers reqresp.HeaderList) error {
	pr, pw := io.Pipe()

	// Wrap the pipe writer so a broken or slow store write never
	// surfaces as an error on the TeeReader, which would abort the
	// client copy.
	sw := &safeWriter{w: pw}
	tee := io.TeeReader(src, sw)

	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		resp := reqresp.Static{
			StatusCode: status,
			HeaderList: headers,
			BodyReader: readerOnly{pr},
		}
		if err := entry.Store(resp); err != nil {
			slog.Debug("recording cache entry failed", "error", err)
			io.Copy(io.Discard, pr)
		}
	}()

	_, copyErr := io.Copy(dst, tee)

	pw.Close()
	<-storeDone

	return copyErr
}

// readerOnly hides a reader's concrete type (notably *io.PipeReader)
// from callers that might type-switch on it.
type readerOnly struct{ io.Reader }

// safeWriter discards writes after the first error, so its caller (a
// TeeReader) never observes a failure from the downstream store write.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}
