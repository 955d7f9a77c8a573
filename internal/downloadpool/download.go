// Package downloadpool implements the bounded concurrent fetcher behind
// the transaction engine's staging phase: a fixed-size
// worker pool sharing one HTTP transport, reporting aggregate progress,
// and supporting cooperative cancellation.
package downloadpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/reapack/reapack-core/internal/fsroot"
)

// maxTransportRetries bounds the backoff retries run() gives a request
// that fails before any response body byte is read: a DNS blip or a
// transient 5xx, not a connection that drops mid-transfer.
const maxTransportRetries = 3

// State is a Download's position in its lifecycle.
type State int

const (
	Idle State = iota
	Running
	Success
	Failure
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TransportError wraps a network or HTTP-status failure observed while
// running a Download.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("downloadpool: fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProgressFunc receives a (current, total) byte pair. total is 0 when
// the server did not report Content-Length.
type ProgressFunc func(current, total int64)

// Download is the shared state machine for one fetch. Callers construct
// a MemoryDownload or FileDownload and Push it onto a Pool.
type Download struct {
	URL         string
	NoCacheFlag bool

	onProgress ProgressFunc
	onComplete func(*Download)

	state   atomic.Int32
	err     error
	mu      sync.Mutex
	sink    downloadSink
	current int64
	total   int64
}

type downloadSink interface {
	// open is called once on the worker goroutine right before the HTTP
	// request starts.
	open() (io.WriteCloser, error)
	// finish is called with the terminal state once the fetch ends. For
	// FileDownload this renames or removes the staged .part file.
	finish(state State) error
	// contents returns the accumulated buffer for MemoryDownload, or the
	// final file path for FileDownload. Only meaningful after Success.
	contents() []byte
	path() string
}

// State returns the Download's current lifecycle state.
func (d *Download) State() State { return State(d.state.Load()) }

// Err returns the user-facing error recorded on Failure, or nil.
func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Contents returns the accumulated buffer for a completed MemoryDownload.
func (d *Download) Contents() []byte { return d.sink.contents() }

// Path returns the final on-disk path for a completed FileDownload.
func (d *Download) Path() string { return d.sink.path() }

// OnProgress registers a callback invoked on every progress tick. It
// must be set before the Download is pushed onto a Pool.
func (d *Download) OnProgress(fn ProgressFunc) { d.onProgress = fn }

// OnComplete registers a callback invoked exactly once, from the worker
// goroutine that ran this Download, once its terminal state is set. It
// must be set before the Download is pushed onto a Pool. Callers must
// not touch registry or transaction state directly from this callback —
// only task-local bookkeeping — since it does not run on the
// orchestration goroutine.
func (d *Download) OnComplete(fn func(*Download)) { d.onComplete = fn }

func (d *Download) setState(s State) { d.state.Store(int32(s)) }

func (d *Download) reportProgress(current, total int64) {
	d.mu.Lock()
	d.current, d.total = current, total
	cb := d.onProgress
	d.mu.Unlock()
	if cb != nil {
		cb(current, total)
	}
}

func (d *Download) progressSnapshot() (current, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.total
}

// memSink accumulates a Download's body into memory.
type memSink struct {
	buf []byte
}

func (s *memSink) open() (io.WriteCloser, error) { return &memWriter{s}, nil }
func (s *memSink) finish(State) error            { return nil }
func (s *memSink) contents() []byte              { return s.buf }
func (s *memSink) path() string                  { return "" }

type memWriter struct{ s *memSink }

func (w *memWriter) Write(p []byte) (int, error) {
	w.s.buf = append(w.s.buf, p...)
	return len(p), nil
}
func (w *memWriter) Close() error { return nil }

// NewMemoryDownload creates a Download that accumulates url's body into
// an in-memory buffer, retrievable via Contents after Success.
func NewMemoryDownload(url string) *Download {
	return &Download{URL: url, sink: &memSink{}}
}

// fileSink streams a Download's body to a ".part" file under root,
// atomically renaming it onto destRel on Success and removing it
// otherwise.
type fileSink struct {
	root    *fsroot.Root
	destRel string
	partRel string
	final   string
}

func (s *fileSink) open() (io.WriteCloser, error) {
	if err := s.root.MkdirAll(s.destRel); err != nil {
		return nil, err
	}
	abs, err := s.root.Resolve(s.partRel)
	if err != nil {
		return nil, err
	}
	return s.root.Fs().Create(abs)
}

func (s *fileSink) finish(state State) error {
	switch state {
	case Success:
		if err := s.root.AtomicReplace(s.partRel, s.destRel); err != nil {
			return err
		}
		abs, err := s.root.Resolve(s.destRel)
		if err != nil {
			return err
		}
		s.final = abs
		return nil
	default:
		return s.root.Remove(s.partRel)
	}
}

func (s *fileSink) contents() []byte { return nil }
func (s *fileSink) path() string     { return s.final }

func parentDir(rel string) string {
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == '/' {
			return rel[:i]
		}
	}
	return ""
}

// NewFileDownload creates a Download that streams url's body to
// destRel+".part" under root, atomically renaming it to destRel on
// Success. destRel is typically a "<target>.new" staging path used
// while an Install task is still in its staging phase.
func NewFileDownload(root *fsroot.Root, url, destRel string) *Download {
	return &Download{
		URL: url,
		sink: &fileSink{
			root:    root,
			destRel: destRel,
			partRel: fsroot.PartName(destRel),
		},
	}
}

func (d *Download) run(ctx context.Context, client *http.Client, limiter *rate.Limiter) {
	d.setState(Running)

	w, err := d.sink.open()
	if err != nil {
		d.fail(err)
		return
	}

	resp, err := d.doRequestWithRetry(ctx, client)
	if err != nil {
		w.Close()
		d.abortOrFail(ctx, err)
		return
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	var current int64
	lastProgress := time.Now()
	bufSize := 32 * 1024
	if limiter != nil && limiter.Burst() < bufSize {
		bufSize = limiter.Burst()
	}
	buf := make([]byte, bufSize)
	for {
		if ctx.Err() != nil {
			w.Close()
			d.setState(Aborted)
			_ = d.sink.finish(Aborted)
			return
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					w.Close()
					d.setState(Aborted)
					_ = d.sink.finish(Aborted)
					return
				}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				d.fail(werr)
				return
			}
			current += int64(n)
			lastProgress = time.Now()
			d.reportProgress(current, total)
		} else if time.Since(lastProgress) > lowSpeedPeriod {
			w.Close()
			d.fail(fmt.Errorf("low-speed timeout: under %d byte/sec for %s", lowSpeedLimit, lowSpeedPeriod))
			return
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Close()
			d.abortOrFail(ctx, rerr)
			return
		}
	}

	if err := w.Close(); err != nil {
		d.fail(err)
		return
	}
	if total > 0 && current != total {
		d.fail(fmt.Errorf("body underflow: got %d of %d bytes", current, total))
		return
	}

	if err := d.sink.finish(Success); err != nil {
		d.fail(err)
		return
	}
	d.setState(Success)
}

// doRequestWithRetry issues the GET for this download, retrying a
// connection failure or 5xx response with exponential backoff before
// any body byte has been read. A 4xx response is permanent and returns
// immediately.
func (d *Download) doRequestWithRetry(ctx context.Context, client *http.Client) (*http.Response, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransportRetries), ctx)

	var resp *http.Response
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if d.NoCacheFlag {
			req.Header.Set("Cache-Control", "no-cache")
		}

		r, err := client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("unexpected status %s", r.Status)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("unexpected status %s", r.Status))
		}
		resp = r
		return nil
	}, bo)

	return resp, err
}

func (d *Download) fail(err error) {
	d.mu.Lock()
	d.err = &TransportError{URL: d.URL, Err: err}
	d.mu.Unlock()
	_ = d.sink.finish(Failure)
	d.setState(Failure)
}

func (d *Download) abortOrFail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		d.setState(Aborted)
		_ = d.sink.finish(Aborted)
		return
	}
	d.fail(err)
}
