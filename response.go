package iwabundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/meigma/iwabundle/bundle"
)

// Response is the head of one bundle response plus a handle to the reader
// it came from. The handle does not keep the reader alive: once the reader
// is evicted or discarded, body reads fail with ErrReaderReleased.
type Response struct {
	head     bundle.ResponseHead
	path     string
	readerID uint64
	registry *Registry
}

// Head returns a copy of the response head.
func (r *Response) Head() bundle.ResponseHead {
	return r.head.Clone()
}

// Status returns the HTTP status code.
func (r *Response) Status() int {
	return r.head.Status
}

// Header returns a copy of the response headers.
func (r *Response) Header() http.Header {
	return r.head.Header.Clone()
}

// ContentLength returns the size of the decoded body.
func (r *Response) ContentLength() uint64 {
	return r.head.ContentLength
}

// ReadBodyFunc streams the body to w and calls done once it has been
// written completely or the read failed.
func (r *Response) ReadBodyFunc(w io.Writer, done func(error)) {
	reg := r.registry
	head := r.head.Clone()
	posted := reg.seq.post(func() {
		if reg.closing {
			done(closedError())
			return
		}
		e := reg.cache.find(r.path)
		if e == nil || e.id != r.readerID || e.state != stateReady {
			done(fmt.Errorf("%w: %w", ErrReadFailed, ErrReaderReleased))
			return
		}
		e.lastAccess = reg.clock.Now()
		e.reader.ReadResponseBody(head, w, func(err error) {
			if err != nil {
				done(fmt.Errorf("%w: %w", ErrReadFailed, err))
				return
			}
			done(nil)
		})
	})
	if !posted {
		done(closedError())
	}
}

// ReadBody is the blocking form of ReadBodyFunc. If ctx ends first, w
// receives no further writes after ReadBody returns.
func (r *Response) ReadBody(ctx context.Context, w io.Writer) error {
	gw := &guardedWriter{w: w}
	ch := make(chan error, 1)
	r.ReadBodyFunc(gw, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		gw.close()
		return ctx.Err()
	}
}

// guardedWriter stops forwarding writes once closed.
type guardedWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, io.ErrClosedPipe
	}
	return g.w.Write(p)
}

func (g *guardedWriter) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
