package swbn_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/internal/fb"
	"github.com/meigma/iwabundle/internal/file"
	"github.com/meigma/iwabundle/internal/testutil"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/swbn"
)

const waitTimeout = 5 * time.Second

// opened starts opening path, resumes with action and waits for MetadataRead.
func opened(t *testing.T, path string, action bundle.Action) (*swbn.Reader, []bundle.Event, error) {
	t.Helper()
	events := make(chan bundle.Event, 2)
	r := swbn.Open(path, sigverify.New(), func(e bundle.Event) {
		if ib, ok := e.(bundle.IntegrityBlockRead); ok {
			ib.Resume(action)
		}
		events <- e
	})
	t.Cleanup(func() { r.Close() })

	var seen []bundle.Event
	for {
		select {
		case e := <-events:
			seen = append(seen, e)
			if md, ok := e.(bundle.MetadataRead); ok {
				return r, seen, md.Err
			}
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for MetadataRead")
		}
	}
}

func readHead(t *testing.T, r *swbn.Reader, rawURL string) (bundle.ResponseHead, error) {
	t.Helper()
	req, err := bundle.NewRequest(rawURL)
	require.NoError(t, err)
	var (
		head   bundle.ResponseHead
		gotErr error
		called bool
	)
	r.ReadResponse(req, func(h bundle.ResponseHead, err error) {
		head, gotErr, called = h, err, true
	})
	require.True(t, called, "ReadResponse must complete synchronously")
	return head, gotErr
}

func readBody(t *testing.T, r *swbn.Reader, head bundle.ResponseHead) ([]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	done := make(chan error, 1)
	r.ReadResponseBody(head, &buf, func(err error) { done <- err })
	select {
	case err := <-done:
		return buf.Bytes(), err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for body")
		return nil, nil
	}
}

func openErrorKind(t *testing.T, err error) bundle.OpenErrorKind {
	t.Helper()
	var oe *bundle.OpenError
	require.ErrorAs(t, err, &oe)
	return oe.Kind
}

func TestOpenAndRead(t *testing.T) {
	t.Parallel()

	for name, newKey := range map[string]func(testing.TB) testutil.Key{
		"ed25519": testutil.NewEd25519Key,
		"ecdsa":   testutil.NewECDSAKey,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			key := newKey(t)
			path := testutil.WriteApp(t, t.TempDir(), key)

			r, events, err := opened(t, path, bundle.ContinueAndVerify())
			require.NoError(t, err)
			require.Len(t, events, 2)
			ib, ok := events[0].(bundle.IntegrityBlockRead)
			require.True(t, ok)
			require.Len(t, ib.PublicKeys, 1)
			assert.True(t, ib.PublicKeys[0].Equal(key.Signer.PublicKey()))

			assert.Equal(t, key.ID.Origin(), r.PrimaryURL().String())
			assert.Len(t, r.Entries(), len(testutil.App))

			for p, want := range testutil.App {
				head, err := readHead(t, r, key.URL(p))
				require.NoError(t, err, p)
				assert.Equal(t, 200, head.Status)
				body, err := readBody(t, r, head)
				require.NoError(t, err, p)
				assert.Equal(t, want, string(body), p)
			}

			head, err := readHead(t, r, key.URL("app.js"))
			require.NoError(t, err)
			assert.Equal(t, bundle.CompressionZstd, head.Compression)
			assert.Equal(t, "text/javascript", head.Header.Get("Content-Type"))
		})
	}
}

func TestOpenMultipleSigners(t *testing.T) {
	t.Parallel()
	k1, k2 := testutil.NewEd25519Key(t), testutil.NewECDSAKey(t)
	data := testutil.Encode(t, testutil.AppResources(k1), "", k1, k2)
	path := testutil.WriteFile(t, t.TempDir(), "multi.swbn", data)

	r, events, err := opened(t, path, bundle.ContinueAndVerify())
	require.NoError(t, err)
	ib := events[0].(bundle.IntegrityBlockRead) //nolint:forcetypeassert // first event is always the integrity block
	require.Len(t, ib.PublicKeys, 2)
	assert.Nil(t, r.PrimaryURL())
}

func TestOpenAbort(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteApp(t, t.TempDir(), key)

	r, _, err := opened(t, path, bundle.Abort("not trusted"))
	require.Error(t, err)
	assert.Equal(t, bundle.AbortedByCaller, openErrorKind(t, err))
	assert.Contains(t, err.Error(), "not trusted")

	_, err = readHead(t, r, key.URL("index.html"))
	var re *bundle.ReadResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, bundle.ParserInternalError, re.Kind)
}

func TestOpenTampered(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteApp(t, t.TempDir(), key)
	testutil.Tamper(t, path)

	t.Run("verify", func(t *testing.T) {
		t.Parallel()
		_, _, err := opened(t, path, bundle.ContinueAndVerify())
		require.Error(t, err)
		assert.Equal(t, bundle.SignatureVerificationError, openErrorKind(t, err))
	})

	t.Run("skip verify", func(t *testing.T) {
		t.Parallel()
		r, _, err := opened(t, path, bundle.ContinueAndSkipVerify())
		require.NoError(t, err)

		head, err := readHead(t, r, key.URL("style.css"))
		require.NoError(t, err)
		_, err = readBody(t, r, head)
		require.ErrorIs(t, err, file.ErrDigestMismatch)

		head, err = readHead(t, r, key.URL("app.js"))
		require.NoError(t, err)
		body, err := readBody(t, r, head)
		require.NoError(t, err)
		assert.Equal(t, testutil.App["app.js"], string(body))
	})
}

func TestOpenMalformed(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	valid := testutil.Encode(t, testutil.AppResources(key), "", key)

	tests := []struct {
		name string
		data []byte
		kind bundle.OpenErrorKind
	}{
		{"empty", nil, bundle.IntegrityBlockParseError},
		{"wrong magic", append([]byte("wbn!"), valid[4:]...), bundle.IntegrityBlockParseError},
		{"truncated integrity block", valid[:12], bundle.IntegrityBlockParseError},
		{"garbage", bytes.Repeat([]byte{0xAB}, 64), bundle.IntegrityBlockParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := testutil.WriteFile(t, t.TempDir(), "bad.swbn", tt.data)
			_, events, err := opened(t, path, bundle.ContinueAndSkipVerify())
			require.Error(t, err)
			assert.Equal(t, tt.kind, openErrorKind(t, err))
			assert.Len(t, events, 1, "only MetadataRead is emitted")
		})
	}
}

func TestOpenTruncatedMetadata(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	valid := testutil.Encode(t, testutil.AppResources(key), "", key)

	// Cut the file a few bytes into the metadata section.
	signedStart := 12 + int(binary.BigEndian.Uint32(valid[8:12]))
	path := testutil.WriteFile(t, t.TempDir(), "cut.swbn", valid[:signedStart+16])

	_, events, err := opened(t, path, bundle.ContinueAndSkipVerify())
	require.Error(t, err)
	assert.Equal(t, bundle.MetadataParseError, openErrorKind(t, err))
	assert.Len(t, events, 2)
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()
	_, _, err := opened(t, filepath.Join(t.TempDir(), "missing.swbn"), bundle.ContinueAndVerify())
	require.Error(t, err)
	assert.Equal(t, bundle.IntegrityBlockParseError, openErrorKind(t, err))
}

func TestReadResponseNotFound(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	r, _, err := opened(t, testutil.WriteApp(t, t.TempDir(), key), bundle.ContinueAndVerify())
	require.NoError(t, err)

	_, err = readHead(t, r, key.URL("missing.js"))
	var re *bundle.ReadResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, bundle.ResponseNotFound, re.Kind)
	assert.Equal(t,
		"The Web Bundle does not contain a response for the provided URL: "+key.URL("missing.js"),
		re.Message)

	// The query is part of the lookup key.
	_, err = readHead(t, r, key.URL("app.js?v=1"))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, bundle.ResponseNotFound, re.Kind)
}

func TestReadResponseIgnoresFragmentAndCredentials(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	r, _, err := opened(t, testutil.WriteApp(t, t.TempDir(), key), bundle.ContinueAndVerify())
	require.NoError(t, err)

	u, err := url.Parse(key.URL("app.js#main"))
	require.NoError(t, err)
	u.User = url.UserPassword("user", "secret")

	head, err := readHead(t, r, u.String())
	require.NoError(t, err)
	assert.Equal(t, key.URL("app.js"), head.URL)
}

func TestReadBeforeResume(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteApp(t, t.TempDir(), key)

	blocked := make(chan struct{})
	done := make(chan error, 1)
	r := swbn.Open(path, nil, func(e bundle.Event) {
		switch e := e.(type) {
		case bundle.IntegrityBlockRead:
			close(blocked)
		case bundle.MetadataRead:
			done <- e.Err
		}
	})

	<-blocked
	_, err := readHead(t, r, key.URL("app.js"))
	var re *bundle.ReadResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, bundle.ParserInternalError, re.Kind)

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.Equal(t, bundle.AbortedByCaller, openErrorKind(t, err))
	case <-time.After(waitTimeout):
		t.Fatal("close did not unblock the reader")
	}
}

func TestVerifyWithoutVerifier(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteApp(t, t.TempDir(), key)

	done := make(chan error, 1)
	r := swbn.Open(path, nil, func(e bundle.Event) {
		switch e := e.(type) {
		case bundle.IntegrityBlockRead:
			e.Resume(bundle.ContinueAndVerify())
		case bundle.MetadataRead:
			done <- e.Err
		}
	})
	defer r.Close()

	err := <-done
	assert.Equal(t, bundle.SignatureVerificationError, openErrorKind(t, err))
}

func TestResumeTwice(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteApp(t, t.TempDir(), key)

	done := make(chan error, 1)
	r := swbn.Open(path, sigverify.New(), func(e bundle.Event) {
		switch e := e.(type) {
		case bundle.IntegrityBlockRead:
			e.Resume(bundle.ContinueAndSkipVerify())
			e.Resume(bundle.Abort("ignored"))
		case bundle.MetadataRead:
			done <- e.Err
		}
	})
	defer r.Close()

	require.NoError(t, <-done)
}

func TestBodyReadAfterClose(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	r, _, err := opened(t, testutil.WriteApp(t, t.TempDir(), key), bundle.ContinueAndVerify())
	require.NoError(t, err)

	head, err := readHead(t, r, key.URL("index.html"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = readBody(t, r, head)
	require.ErrorIs(t, err, swbn.ErrClosed)
}

func TestBodyReadOutOfBounds(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	r, _, err := opened(t, testutil.WriteApp(t, t.TempDir(), key), bundle.ContinueAndVerify())
	require.NoError(t, err)

	head, err := readHead(t, r, key.URL("index.html"))
	require.NoError(t, err)
	head.PayloadOffset = 1 << 40
	_, err = readBody(t, r, head)
	require.ErrorIs(t, err, swbn.ErrOutOfBounds)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("sink failed") }

func TestBodyReadWriterError(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	r, _, err := opened(t, testutil.WriteApp(t, t.TempDir(), key), bundle.ContinueAndVerify())
	require.NoError(t, err)

	head, err := readHead(t, r, key.URL("index.html"))
	require.NoError(t, err)

	done := make(chan error, 1)
	r.ReadResponseBody(head, failingWriter{}, func(err error) { done <- err })
	require.ErrorContains(t, <-done, "sink failed")
}

func TestOpenFileRemovedAfterOpen(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteApp(t, t.TempDir(), key)
	r, _, err := opened(t, path, bundle.ContinueAndVerify())
	require.NoError(t, err)

	// The open handle keeps serving the unlinked file.
	require.NoError(t, os.Remove(path))
	head, err := readHead(t, r, key.URL("style.css"))
	require.NoError(t, err)
	body, err := readBody(t, r, head)
	require.NoError(t, err)
	assert.Equal(t, testutil.App["style.css"], string(body))
}

// vectorLenAt returns the position of the length prefix of the vector in
// field slot of tab.
func vectorLenAt(t *testing.T, tab flatbuffers.Table, slot flatbuffers.VOffsetT) int {
	t.Helper()
	o := flatbuffers.UOffsetT(tab.Offset(slot))
	require.NotZero(t, o, "vector field is absent")
	pos := tab.Pos + o
	return int(pos + flatbuffers.GetUOffsetT(tab.Bytes[pos:]))
}

func TestOpenOversizedVectorLength(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	valid := testutil.Encode(t, testutil.AppResources(key), "", key)

	ibLen := int(binary.BigEndian.Uint32(valid[8:12]))
	integrity := func(data []byte) []byte { return data[12 : 12+ibLen] }
	metadata := func(data []byte) []byte {
		start := 12 + ibLen + 4
		n := int(binary.BigEndian.Uint32(data[start-4 : start]))
		return data[start : start+n]
	}

	tests := []struct {
		name  string
		patch func(data []byte)
		kind  bundle.OpenErrorKind
	}{
		{
			name: "signatures",
			patch: func(data []byte) {
				buf := integrity(data)
				root := fb.GetRootAsIntegrityBlock(buf, 0)
				binary.LittleEndian.PutUint32(buf[vectorLenAt(t, root.Table(), 6):], 0xFFFFFFF0)
			},
			kind: bundle.IntegrityBlockParseError,
		},
		{
			name: "responses",
			patch: func(data []byte) {
				buf := metadata(data)
				root := fb.GetRootAsMetadata(buf, 0)
				binary.LittleEndian.PutUint32(buf[vectorLenAt(t, root.Table(), 8):], 0xFFFFFFF0)
			},
			kind: bundle.MetadataParseError,
		},
		{
			name: "headers",
			patch: func(data []byte) {
				buf := metadata(data)
				root := fb.GetRootAsMetadata(buf, 0)
				var resp fb.Response
				require.True(t, root.Responses(&resp, 0))
				binary.LittleEndian.PutUint32(buf[vectorLenAt(t, resp.Table(), 8):], 0xFFFFFFF0)
			},
			kind: bundle.MetadataParseError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := bytes.Clone(valid)
			tt.patch(data)
			path := testutil.WriteFile(t, t.TempDir(), "patched.swbn", data)

			_, _, err := opened(t, path, bundle.ContinueAndSkipVerify())
			require.Error(t, err)
			assert.Equal(t, tt.kind, openErrorKind(t, err))
			assert.Contains(t, err.Error(), "vector length")
		})
	}
}
