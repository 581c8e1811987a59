package validator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle/bundleid"
)

func newKey(t *testing.T) (bundleid.PublicKey, bundleid.ID) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := bundleid.Ed25519Key(pub)
	id, err := key.ID()
	require.NoError(t, err)
	return key, id
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestDefaultIntegrityBlock(t *testing.T) {
	t.Parallel()

	key, id := newKey(t)
	other, _ := newKey(t)
	v := New()
	ctx := context.Background()

	require.NoError(t, v.ValidateIntegrityBlock(ctx, id, []bundleid.PublicKey{key}))
	require.NoError(t, v.ValidateIntegrityBlock(ctx, id, []bundleid.PublicKey{other, key}))

	err := v.ValidateIntegrityBlock(ctx, id, []bundleid.PublicKey{other})
	require.ErrorIs(t, err, ErrIntegrityBlock)

	err = v.ValidateIntegrityBlock(ctx, id, nil)
	require.ErrorIs(t, err, ErrIntegrityBlock)
}

func TestDefaultMetadata(t *testing.T) {
	t.Parallel()

	_, id := newKey(t)
	_, other := newKey(t)
	origin := id.Origin()
	v := New()

	entries := []*url.URL{mustURL(t, origin+"index.html"), mustURL(t, origin+"app.js")}
	require.NoError(t, v.ValidateMetadata(id, nil, entries))
	require.NoError(t, v.ValidateMetadata(id, mustURL(t, origin), entries))

	tests := []struct {
		name    string
		primary *url.URL
		entries []*url.URL
	}{
		{"no entries", nil, nil},
		{"wrong scheme", nil, []*url.URL{mustURL(t, "https://"+id.String()+"/index.html")}},
		{"wrong id", nil, []*url.URL{mustURL(t, other.Origin()+"index.html")}},
		{"query", nil, []*url.URL{mustURL(t, origin+"index.html?v=1")}},
		{"fragment", nil, []*url.URL{mustURL(t, origin+"index.html#top")}},
		{"credentials", nil, []*url.URL{mustURL(t, "isolated-app://user:pw@"+id.String()+"/")}},
		{"bad primary", mustURL(t, other.Origin()), entries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := v.ValidateMetadata(id, tt.primary, tt.entries)
			require.ErrorIs(t, err, ErrMetadata)
		})
	}
}

func TestRequireAll(t *testing.T) {
	t.Parallel()

	key, id := newKey(t)
	_, other := newKey(t)
	ctx := context.Background()
	keys := []bundleid.PublicKey{key}

	require.NoError(t, RequireAll().ValidateIntegrityBlock(ctx, id, keys))
	require.NoError(t, RequireAll(New(), nil, TrustedIDs(id)).ValidateIntegrityBlock(ctx, id, keys))

	err := RequireAll(New(), TrustedIDs(other)).ValidateIntegrityBlock(ctx, id, keys)
	require.ErrorIs(t, err, ErrUntrusted)

	calls := 0
	counting := Funcs{Metadata: func(bundleid.ID, *url.URL, []*url.URL) error {
		calls++
		return nil
	}}
	err = RequireAll(New(), counting).ValidateMetadata(id, nil, nil)
	require.ErrorIs(t, err, ErrMetadata)
	assert.Zero(t, calls, "evaluation stops at the first failure")
}

func TestRequireAny(t *testing.T) {
	t.Parallel()

	key, id := newKey(t)
	_, other := newKey(t)
	ctx := context.Background()
	keys := []bundleid.PublicKey{key}

	require.NoError(t, RequireAny(TrustedIDs(other), TrustedIDs(id)).ValidateIntegrityBlock(ctx, id, keys))

	err := RequireAny(TrustedIDs(other), Funcs{IntegrityBlock: func(context.Context, bundleid.ID, []bundleid.PublicKey) error {
		return errors.New("denied")
	}}).ValidateIntegrityBlock(ctx, id, keys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 validators failed")
	assert.Contains(t, err.Error(), "denied")

	require.Error(t, RequireAny().ValidateMetadata(id, nil, nil))
	require.Error(t, RequireAny(nil).ValidateIntegrityBlock(ctx, id, keys))
}

func TestFuncsNilAccepts(t *testing.T) {
	t.Parallel()

	_, id := newKey(t)
	var f Funcs
	require.NoError(t, f.ValidateIntegrityBlock(context.Background(), id, nil))
	require.NoError(t, f.ValidateMetadata(id, nil, nil))
}
