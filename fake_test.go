package iwabundle

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
	"github.com/meigma/iwabundle/internal/testutil"
	"github.com/meigma/iwabundle/validator"
)

const waitTimeout = 5 * time.Second

var errFakeClosed = errors.New("fake reader closed")

// fakeReader is a BundleReader whose open stages are driven by the test.
type fakeReader struct {
	path     string
	verifier bundle.Verifier
	emit     func(bundle.Event)
	content  map[string]string
	primary  *url.URL
	headErrs map[string]*bundle.ReadResponseError
	actions  chan bundle.Action

	mu     sync.Mutex
	reads  []string
	closed bool
}

func (f *fakeReader) ReadResponse(req bundle.Request, done func(bundle.ResponseHead, error)) {
	u := *req.URL
	u.Fragment = ""
	key := u.String()

	f.mu.Lock()
	f.reads = append(f.reads, key)
	f.mu.Unlock()

	if err, ok := f.headErrs[key]; ok {
		done(bundle.ResponseHead{}, err)
		return
	}
	body, ok := f.content[key]
	if !ok {
		done(bundle.ResponseHead{}, &bundle.ReadResponseError{
			Kind:    bundle.ResponseNotFound,
			Message: "no response for " + key,
		})
		return
	}
	done(bundle.ResponseHead{
		URL:           key,
		Status:        http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/html"}},
		PayloadLength: uint64(len(body)),
		ContentLength: uint64(len(body)),
		Digest:        digest.FromString(body),
	}, nil)
}

func (f *fakeReader) ReadResponseBody(head bundle.ResponseHead, w io.Writer, done func(error)) {
	go func() {
		if f.isClosed() {
			done(errFakeClosed)
			return
		}
		_, err := io.WriteString(w, f.content[head.URL])
		done(err)
	}()
}

func (f *fakeReader) PrimaryURL() *url.URL { return f.primary }

func (f *fakeReader) Entries() []*url.URL {
	entries := make([]*url.URL, 0, len(f.content))
	for raw := range f.content {
		u, _ := url.Parse(raw)
		entries = append(entries, u)
	}
	return entries
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeReader) readURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

// integrity emits IntegrityBlockRead and waits for the registry's verdict.
func (f *fakeReader) integrity(t *testing.T, keys []bundleid.PublicKey) bundle.Action {
	t.Helper()
	f.emit(bundle.IntegrityBlockRead{
		PublicKeys: keys,
		Resume:     func(a bundle.Action) { f.actions <- a },
	})
	select {
	case a := <-f.actions:
		return a
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for resume")
		return bundle.Action{}
	}
}

func (f *fakeReader) metadata(err error) {
	f.emit(bundle.MetadataRead{Err: err})
}

// open runs both stages successfully and returns the resume action.
func (f *fakeReader) open(t *testing.T) bundle.Action {
	t.Helper()
	a := f.integrity(t, nil)
	require.NotEqual(t, bundle.ActionAbort, a.Kind, a.Message)
	f.metadata(nil)
	return a
}

type fakeOpener struct {
	content map[string]string
	primary *url.URL
	opened  chan *fakeReader

	// headErrs makes ReadResponse fail for the given URLs. Set it before the
	// first reader is opened.
	headErrs map[string]*bundle.ReadResponseError

	mu      sync.Mutex
	readers []*fakeReader
}

func newFakeOpener(key testutil.Key) *fakeOpener {
	content := make(map[string]string, len(testutil.App))
	for p, body := range testutil.App {
		content[key.URL(p)] = body
	}
	primary, _ := url.Parse(key.ID.Origin())
	return &fakeOpener{
		content: content,
		primary: primary,
		opened:  make(chan *fakeReader, 64),
	}
}

func (o *fakeOpener) open(path string, verifier bundle.Verifier, emit func(bundle.Event)) BundleReader {
	fr := &fakeReader{
		path:     path,
		verifier: verifier,
		emit:     emit,
		content:  o.content,
		primary:  o.primary,
		headErrs: o.headErrs,
		actions:  make(chan bundle.Action, 1),
	}
	o.mu.Lock()
	o.readers = append(o.readers, fr)
	o.mu.Unlock()
	o.opened <- fr
	return fr
}

func (o *fakeOpener) next(t *testing.T) *fakeReader {
	t.Helper()
	select {
	case fr := <-o.opened:
		return fr
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a reader to be opened")
		return nil
	}
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.readers)
}

type harness struct {
	reg    *Registry
	opener *fakeOpener
	clock  *clockwork.FakeClock
	key    testutil.Key
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	key := testutil.NewEd25519Key(t)
	h := &harness{
		opener: newFakeOpener(key),
		clock:  clockwork.NewFakeClock(),
		key:    key,
	}
	base := []Option{
		WithOpener(h.opener.open),
		WithClock(h.clock),
		WithValidator(validator.Funcs{}),
		WithVerifierFactory(func() bundle.Verifier { return nil }),
	}
	reg, err := NewRegistry(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	h.reg = reg
	return h
}

type result struct {
	resp *Response
	err  error
}

func (h *harness) submit(t *testing.T, path, rawURL string) <-chan result {
	t.Helper()
	req, err := bundle.NewRequest(rawURL)
	require.NoError(t, err)
	ch := make(chan result, 1)
	h.reg.ReadResponseFunc(path, h.key.ID, req, func(resp *Response, err error) {
		ch <- result{resp, err}
	})
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for response")
		return result{}
	}
}

func (h *harness) entries(t *testing.T) []EntryInfo {
	t.Helper()
	infos, err := h.reg.Entries(t.Context())
	require.NoError(t, err)
	return infos
}

// evict advances the clock past the eviction bound and waits for the cache
// to drop path.
func (h *harness) evict(t *testing.T, path string) {
	t.Helper()
	h.clock.Advance(2 * h.reg.interval)
	require.Eventually(t, func() bool {
		for _, e := range h.entries(t) {
			if e.Path == path {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
}
