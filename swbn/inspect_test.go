package swbn_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/internal/testutil"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/swbn"
)

func TestOpenEmptyBundle(t *testing.T) {
	t.Parallel()
	key := testutil.NewEd25519Key(t)
	path := testutil.WriteFile(t, t.TempDir(), "empty.swbn", testutil.Encode(t, nil, "", key))

	r, _, err := opened(t, path, bundle.ContinueAndVerify())
	require.NoError(t, err)
	assert.Empty(t, r.Entries())
}

func TestInspect(t *testing.T) {
	t.Parallel()
	key := testutil.NewECDSAKey(t)
	path := testutil.WriteApp(t, t.TempDir(), key)
	ctx := context.Background()

	info, err := swbn.Inspect(ctx, path, sigverify.New())
	require.NoError(t, err)
	assert.True(t, info.Verified)
	require.Len(t, info.IDs(), 1)
	assert.True(t, info.IDs()[0].Equal(key.ID))
	assert.Equal(t, key.ID.Origin(), info.PrimaryURL.String())
	assert.Len(t, info.Responses, len(testutil.App))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), info.Size)

	testutil.Tamper(t, path)
	_, err = swbn.Inspect(ctx, path, sigverify.New())
	assert.Equal(t, bundle.SignatureVerificationError, openErrorKind(t, err))

	info, err = swbn.Inspect(ctx, path, nil)
	require.NoError(t, err)
	assert.False(t, info.Verified)
}
