package iwabundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle/bundle"
)

func TestParseVerifyPolicy(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]VerifyPolicy{
		"":         VerifyOncePerSession,
		"session":  VerifyOncePerSession,
		"Install":  VerifyOncePerInstall,
		" always ": VerifyAlways,
	} {
		got, err := ParseVerifyPolicy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want.String(), got.String(), name)
	}

	_, err := ParseVerifyPolicy("sometimes")
	require.Error(t, err)
}

func TestVerifyPolicyActions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, bundle.ActionContinueAndVerify, VerifyOncePerSession.action(false).Kind)
	assert.Equal(t, bundle.ActionContinueAndSkipVerify, VerifyOncePerSession.action(true).Kind)
	assert.Equal(t, bundle.ActionContinueAndSkipVerify, VerifyOncePerInstall.action(false).Kind)
	assert.Equal(t, bundle.ActionContinueAndVerify, VerifyAlways.action(true).Kind)

	var zero VerifyPolicy
	assert.Equal(t, "session", zero.String())
	assert.Equal(t, bundle.ActionContinueAndVerify, zero.action(false).Kind)
}
