package swbn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/internal/file"
)

const copyBufferSize = 32 << 10

// Reader opens one bundle file and serves responses from it.
//
// All methods are safe for concurrent use.
type Reader struct {
	path     string
	verifier bundle.Verifier
	emit     func(bundle.Event)
	pool     *file.DecompressPool
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	f      *os.File
	layout layout
	meta   *metadata
	closed bool
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// WithDecompressPool shares a zstd decoder pool between readers.
func WithDecompressPool(pool *file.DecompressPool) Option {
	return func(r *Reader) {
		r.pool = pool
	}
}

// Open starts opening the bundle at path and returns immediately.
//
// emit receives an IntegrityBlockRead event once the integrity block is
// parsed (skipped if it cannot be parsed) and then exactly one MetadataRead
// event. Events are delivered from a goroutine owned by the Reader.
// verifier is used only if the IntegrityBlockRead is resumed with
// ContinueAndVerify.
func Open(path string, verifier bundle.Verifier, emit func(bundle.Event), opts ...Option) *Reader {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		path:     path,
		verifier: verifier,
		emit:     emit,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	if r.pool == nil {
		r.pool = file.NewDecompressPool(0)
	}
	go r.open()
	return r
}

func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

func (r *Reader) open() {
	err := r.load()
	if err != nil {
		r.log().Debug("bundle open failed", "path", r.path, "error", err)
		r.emit(bundle.MetadataRead{Err: err})
		return
	}
	r.log().Debug("bundle opened", "path", r.path)
	r.emit(bundle.MetadataRead{})
}

func (r *Reader) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		return openError(bundle.IntegrityBlockParseError, "failed to open bundle: %v", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		f.Close()
		return openError(bundle.AbortedByCaller, "reader was closed")
	}
	r.f = f
	r.mu.Unlock()

	info, err := f.Stat()
	if err != nil {
		return openError(bundle.IntegrityBlockParseError, "failed to stat bundle: %v", err)
	}

	ib, l, err := readIntegrityBlock(f, info.Size())
	if err != nil {
		return openError(bundle.IntegrityBlockParseError, "%v", err)
	}

	action := r.awaitResume(ib)
	switch action.Kind {
	case bundle.ActionAbort:
		return openError(bundle.AbortedByCaller, "%s", action.Message)
	case bundle.ActionContinueAndVerify:
		if r.verifier == nil {
			return openError(bundle.SignatureVerificationError, "no signature verifier configured")
		}
		signed := io.NewSectionReader(f, l.signedStart, l.size-l.signedStart)
		if err := r.verifier.VerifySignatures(r.ctx, signed, ib.signatures); err != nil {
			return openError(bundle.SignatureVerificationError, "%v", err)
		}
	case bundle.ActionContinueAndSkipVerify:
	default:
		return openError(bundle.AbortedByCaller, "unknown action %s", action.Kind)
	}

	meta, err := readMetadata(f, &l)
	if err != nil {
		return openError(bundle.MetadataParseError, "%v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return openError(bundle.AbortedByCaller, "reader was closed")
	}
	r.layout = l
	r.meta = meta
	return nil
}

// awaitResume emits IntegrityBlockRead and blocks until the consumer
// resumes the reader or the reader is closed.
func (r *Reader) awaitResume(ib *integrityBlock) bundle.Action {
	resumed := make(chan bundle.Action, 1)
	var once sync.Once
	r.emit(bundle.IntegrityBlockRead{
		PublicKeys: ib.publicKeys(),
		Resume: func(a bundle.Action) {
			once.Do(func() { resumed <- a })
		},
	})
	select {
	case a := <-resumed:
		return a
	case <-r.ctx.Done():
		return bundle.Abort("reader was closed")
	}
}

// PrimaryURL returns the bundle's primary URL, or nil if it has none or the
// metadata has not been read yet.
func (r *Reader) PrimaryURL() *url.URL {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.meta == nil || r.meta.primaryURL == nil {
		return nil
	}
	u := *r.meta.primaryURL
	return &u
}

// Entries returns the URL of every response in the bundle.
func (r *Reader) Entries() []*url.URL {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.meta == nil {
		return nil
	}
	entries := make([]*url.URL, len(r.meta.urls))
	for i, u := range r.meta.urls {
		c := *u
		entries[i] = &c
	}
	return entries
}

// ReadResponse looks up the response head for req. Credentials and
// fragments of the request URL are ignored; the query is not.
// done is called before ReadResponse returns.
func (r *Reader) ReadResponse(req bundle.Request, done func(bundle.ResponseHead, error)) {
	head, err := r.lookup(req)
	done(head, err)
}

func (r *Reader) lookup(req bundle.Request) (bundle.ResponseHead, error) {
	if req.URL == nil {
		return bundle.ResponseHead{}, readError(bundle.ParserInternalError, "request has no URL")
	}

	r.mu.RLock()
	meta, l, closed := r.meta, r.layout, r.closed
	r.mu.RUnlock()
	if closed {
		return bundle.ResponseHead{}, readError(bundle.ParserInternalError, "reader was closed")
	}
	if meta == nil {
		return bundle.ResponseHead{}, readError(bundle.ParserInternalError, "bundle metadata has not been read")
	}

	key := *req.URL
	key.User = nil
	key.Fragment = ""
	key.RawFragment = ""
	head, ok := meta.lookup(key.String())
	if !ok {
		return bundle.ResponseHead{}, readError(bundle.ResponseNotFound,
			"The Web Bundle does not contain a response for the provided URL: %s", key.String())
	}
	if err := checkBounds(&head, &l); err != nil {
		return bundle.ResponseHead{}, readError(bundle.FormatError, "%s: %v", head.URL, err)
	}
	return head.Clone(), nil
}

// ReadResponseBody streams the payload described by head to w and calls
// done with the outcome from a separate goroutine.
func (r *Reader) ReadResponseBody(head bundle.ResponseHead, w io.Writer, done func(error)) {
	go func() {
		done(r.readBody(&head, w))
	}()
}

func (r *Reader) readBody(head *bundle.ResponseHead, w io.Writer) error {
	r.mu.RLock()
	f, l, closed := r.f, r.layout, r.closed
	ready := r.meta != nil
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ready || f == nil {
		return ErrNotReady
	}
	if err := checkBounds(head, &l); err != nil {
		return err
	}

	section := io.NewSectionReader(f, l.payloadStart+int64(head.PayloadOffset), int64(head.PayloadLength)) //nolint:gosec // bounds checked above
	payload, err := file.OpenPayload(section, head, r.pool)
	if err != nil {
		return fmt.Errorf("read %s: %w", head.URL, err)
	}
	defer payload.Close()

	if _, err := file.CopyWithContext(r.ctx, w, payload, make([]byte, copyBufferSize)); err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrClosed
		}
		return fmt.Errorf("read %s: %w", head.URL, err)
	}
	return nil
}

// Close releases the file handle. In-flight body reads fail.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}

func checkBounds(head *bundle.ResponseHead, l *layout) error {
	payloadSize := uint64(l.size - l.payloadStart) //nolint:gosec // payloadStart <= size
	end := head.PayloadOffset + head.PayloadLength
	if end < head.PayloadOffset || end > payloadSize {
		return fmt.Errorf("%w: payload [%d, +%d) exceeds payload section of %d bytes",
			ErrOutOfBounds, head.PayloadOffset, head.PayloadLength, payloadSize)
	}
	return nil
}

func openError(kind bundle.OpenErrorKind, format string, args ...any) error {
	return &bundle.OpenError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func readError(kind bundle.ReadResponseErrorKind, format string, args ...any) error {
	return &bundle.ReadResponseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
