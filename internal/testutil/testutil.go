// Package testutil builds signed web bundles for tests.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
)

// Key couples a signer with the bundle ID it certifies.
type Key struct {
	Signer Signer
	ID     bundleid.ID
}

// NewEd25519Key generates a fresh Ed25519 signing key.
func NewEd25519Key(tb testing.TB) Key {
	tb.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(tb, err)
	return keyFor(tb, NewEd25519Signer(priv))
}

// NewECDSAKey generates a fresh ECDSA P-256 signing key.
func NewECDSAKey(tb testing.TB) Key {
	tb.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)
	s, err := NewECDSAP256Signer(priv)
	require.NoError(tb, err)
	return keyFor(tb, s)
}

func keyFor(tb testing.TB, s Signer) Key {
	tb.Helper()
	id, err := s.PublicKey().ID()
	require.NoError(tb, err)
	return Key{Signer: s, ID: id}
}

// URL returns the absolute URL of p under the key's origin.
func (k Key) URL(p string) string {
	return k.ID.Origin() + p
}

// App is the content served by the fixture bundle.
var App = map[string]string{
	"":           "<!doctype html><title>app</title>",
	"index.html": "<!doctype html><title>app</title>",
	"app.js":     "console.log('hello from the bundle');\n",
	"style.css":  "body { margin: 0; }\n",
}

// AppResources returns the fixture resources for key. Scripts are stored
// zstd compressed.
func AppResources(key Key) []Resource {
	resources := make([]Resource, 0, len(App))
	for p, body := range App {
		res := Resource{
			URL:    key.URL(p),
			Header: http.Header{"Content-Type": {"text/html"}},
			Body:   []byte(body),
		}
		switch filepath.Ext(p) {
		case ".js":
			res.Header.Set("Content-Type", "text/javascript")
			res.Compression = bundle.CompressionZstd
		case ".css":
			res.Header.Set("Content-Type", "text/css")
		}
		resources = append(resources, res)
	}
	return resources
}

// Encode writes resources as a bundle signed by the given keys.
func Encode(tb testing.TB, resources []Resource, primaryURL string, keys ...Key) []byte {
	tb.Helper()
	signers := make([]Signer, len(keys))
	for i, k := range keys {
		signers[i] = k.Signer
	}
	data, err := EncodeBundle(context.Background(), resources, primaryURL, signers...)
	require.NoError(tb, err)
	return data
}

// WriteFile stores data in a new file under dir and returns its path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	require.NoError(tb, os.WriteFile(path, data, 0o600))
	return path
}

// WriteApp writes the fixture app signed by key and returns its path.
func WriteApp(tb testing.TB, dir string, key Key) string {
	tb.Helper()
	data := Encode(tb, AppResources(key), key.ID.Origin(), key)
	return WriteFile(tb, dir, key.ID.String()+".swbn", data)
}

// Tamper flips the last byte of the file at path, which lies in the
// payload of the last response.
func Tamper(tb testing.TB, path string) {
	tb.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test fixture path
	require.NoError(tb, err)
	require.NotEmpty(tb, data)
	data[len(data)-1] ^= 0xff
	require.NoError(tb, os.WriteFile(path, data, 0o600))
}
