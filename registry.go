package iwabundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
	"github.com/meigma/iwabundle/internal/file"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/swbn"
	"github.com/meigma/iwabundle/validator"
)

// Registry serves responses out of signed web bundles and caches one
// reader per bundle path.
//
// A Registry is safe for concurrent use. Close releases its goroutine and
// every open reader.
type Registry struct {
	logger      *slog.Logger
	clock       clockwork.Clock
	interval    time.Duration
	policy      VerifyPolicy
	validator   validator.Validator
	newVerifier bundle.VerifierFactory
	opener      Opener

	ctx    context.Context
	cancel context.CancelFunc
	seq    *sequence
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// Owned by the registry goroutine.
	cache    *readerCache
	verified map[string]struct{}
	nextID   uint64
	closing  bool
}

// NewRegistry creates a registry and starts its goroutine.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		clock:    clockwork.NewRealClock(),
		interval: DefaultEvictionInterval,
		policy:   VerifyOncePerSession,
		verified: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	logger := r.log()
	if r.validator == nil {
		r.validator = validator.New(validator.WithLogger(logger))
	}
	if r.newVerifier == nil {
		r.newVerifier = sigverify.NewFactory(sigverify.WithLogger(logger))
	}
	if r.opener == nil {
		r.opener = SWBNOpener(
			swbn.WithLogger(logger),
			swbn.WithDecompressPool(file.NewDecompressPool(0)),
		)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.seq = newSequence()
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	r.cache = newReaderCache(r.clock, r.interval, logger)

	go r.loop()
	return r, nil
}

func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.seq.wake:
			for _, task := range r.seq.take() {
				task()
			}
		case <-r.cache.tick():
			r.cache.sweep(r.clock.Now())
		case <-r.quit:
			r.shutdown()
			return
		}
	}
}

// ReadResponseFunc looks up req in the bundle at path and calls done with
// the result. The bundle is opened and validated against id first if it is
// not cached yet.
//
// ReadResponseFunc panics if id is not derived from a signing key.
func (r *Registry) ReadResponseFunc(path string, id bundleid.ID, req bundle.Request, done func(*Response, error)) {
	if !id.IsSigned() {
		panic(fmt.Sprintf("iwabundle: bundle ID %q is not a signed bundle ID", id))
	}
	req = req.Clone()
	if !r.seq.post(func() { r.handleRead(path, id, req, done) }) {
		done(nil, closedError())
	}
}

// ReadResponse is the blocking form of ReadResponseFunc.
func (r *Registry) ReadResponse(ctx context.Context, path string, id bundleid.ID, req bundle.Request) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	ch := make(chan result, 1)
	r.ReadResponseFunc(path, id, req, func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) handleRead(path string, id bundleid.ID, req bundle.Request, done func(*Response, error)) {
	if r.closing {
		done(nil, closedError())
		return
	}

	if e := r.cache.find(path); e != nil {
		if e.state == stateReady {
			e.lastAccess = r.clock.Now()
			r.doReadResponse(path, e, req, done)
			return
		}
		e.pending = append(e.pending, pendingRequest{req: req, done: done})
		return
	}

	r.nextID++
	e := &cacheEntry{
		id:      r.nextID,
		state:   statePending,
		pending: []pendingRequest{{req: req, done: done}},
	}
	gen := e.id
	e.reader = r.opener(path, r.newVerifier(), func(ev bundle.Event) {
		if !r.seq.post(func() { r.dispatch(path, id, gen, ev) }) {
			if ib, ok := ev.(bundle.IntegrityBlockRead); ok {
				ib.Resume(bundle.Abort("registry closed"))
			}
		}
	})
	r.cache.emplace(path, e)
	r.log().Debug("opening bundle", "path", path, "bundle_id", id.String())
}

// dispatch routes a reader event to its handler. Events from readers that
// are no longer cached are dropped.
func (r *Registry) dispatch(path string, id bundleid.ID, gen uint64, ev bundle.Event) {
	e := r.cache.find(path)
	if e == nil || e.id != gen {
		if ib, ok := ev.(bundle.IntegrityBlockRead); ok {
			ib.Resume(bundle.Abort("bundle reader released"))
		}
		return
	}

	switch ev := ev.(type) {
	case bundle.IntegrityBlockRead:
		r.onIntegrityBlockRead(path, id, ev)
	case bundle.MetadataRead:
		r.onMetadataRead(path, id, e, ev.Err)
	}
}

func (r *Registry) onIntegrityBlockRead(path string, id bundleid.ID, ev bundle.IntegrityBlockRead) {
	go func() {
		err := r.validator.ValidateIntegrityBlock(r.ctx, id, ev.PublicKeys)
		posted := r.seq.post(func() {
			if err != nil {
				r.log().Warn("integrity block rejected", "path", path, "bundle_id", id.String(), "error", err)
				ev.Resume(bundle.Abort(err.Error()))
				return
			}
			_, verified := r.verified[path]
			action := r.policy.action(verified)
			r.log().Debug("integrity block accepted",
				"path", path,
				"bundle_id", id.String(),
				"action", action.Kind.String(),
				"policy", r.policy.String())
			ev.Resume(action)
		})
		if !posted {
			ev.Resume(bundle.Abort("registry closed"))
		}
	}()
}

func (r *Registry) onMetadataRead(path string, id bundleid.ID, e *cacheEntry, openErr error) {
	queued := e.drain()

	if openErr != nil {
		msg := openErrorMessage(openErr)
		r.log().Warn("opening bundle failed", "path", path, "bundle_id", id.String(), "error", msg, "pending", len(queued))
		r.failAll(queued, fmt.Errorf("%w: %s", ErrReadFailed, msg))
		r.cache.erase(path, e.id)
		return
	}

	if err := r.validator.ValidateMetadata(id, e.reader.PrimaryURL(), e.reader.Entries()); err != nil {
		r.log().Warn("metadata rejected", "path", path, "bundle_id", id.String(), "error", err, "pending", len(queued))
		r.failAll(queued, fmt.Errorf("%w: %s", ErrReadFailed, err.Error()))
		r.cache.erase(path, e.id)
		return
	}

	r.verified[path] = struct{}{}
	e.state = stateReady
	e.lastAccess = r.clock.Now()
	r.log().Debug("bundle ready", "path", path, "bundle_id", id.String(), "pending", len(queued))

	for _, q := range queued {
		r.doReadResponse(path, e, q.req, q.done)
	}
}

func openErrorMessage(err error) string {
	var oe *bundle.OpenError
	if !errors.As(err, &oe) {
		return err.Error()
	}
	switch oe.Kind {
	case bundle.IntegrityBlockParseError:
		return "Failed to parse integrity block: " + oe.Message
	case bundle.AbortedByCaller:
		return "Failed to validate integrity block: " + oe.Message
	case bundle.SignatureVerificationError:
		return "Failed to verify signatures: " + oe.Message
	case bundle.MetadataParseError:
		return "Failed to parse metadata: " + oe.Message
	default:
		return oe.Error()
	}
}

func (r *Registry) failAll(queued []pendingRequest, err error) {
	for _, q := range queued {
		q.done(nil, err)
	}
}

// doReadResponse reads the head of req from a ready entry. Bundle resources
// are addressed like files, so the query is not part of the lookup.
func (r *Registry) doReadResponse(path string, e *cacheEntry, req bundle.Request, done func(*Response, error)) {
	if req.URL != nil {
		u := *req.URL
		u.RawQuery = ""
		u.ForceQuery = false
		req.URL = &u
	}

	gen := e.id
	e.reader.ReadResponse(req, func(head bundle.ResponseHead, err error) {
		if err != nil {
			done(nil, readResponseError(err))
			return
		}
		done(&Response{head: head, path: path, readerID: gen, registry: r}, nil)
	})
}

func readResponseError(err error) error {
	var re *bundle.ReadResponseError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	if re.Kind == bundle.ResponseNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, re.Message)
	}
	return fmt.Errorf("%w: failed to parse response head: %s", ErrReadFailed, re.Message)
}

// Entries returns a snapshot of the cached readers sorted by path.
func (r *Registry) Entries(ctx context.Context) ([]EntryInfo, error) {
	var infos []EntryInfo
	err := r.call(ctx, func() { infos = r.cache.snapshot() })
	return infos, err
}

// IsVerified reports whether a bundle at path has been opened successfully
// during the registry's lifetime.
func (r *Registry) IsVerified(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.call(ctx, func() { _, ok = r.verified[path] })
	return ok, err
}

// call runs fn on the registry goroutine and waits for it.
func (r *Registry) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !r.seq.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close fails every queued request with ErrClosed, closes every reader and
// stops the registry goroutine. It is safe to call more than once.
//
// Close waits for the registry goroutine to exit, and callbacks run on that
// goroutine, so a callback must not call Close directly. Use go r.Close()
// from a callback instead.
func (r *Registry) Close() error {
	r.once.Do(func() {
		r.seq.close()
		close(r.quit)
	})
	<-r.done
	return nil
}

func (r *Registry) shutdown() {
	r.closing = true
	r.cancel()
	for _, task := range r.seq.take() {
		task()
	}
	for _, e := range r.cache.closeAll() {
		r.failAll(e.drain(), closedError())
	}
	r.log().Debug("registry closed")
}

func closedError() error {
	return fmt.Errorf("%w: %w", ErrReadFailed, ErrClosed)
}
