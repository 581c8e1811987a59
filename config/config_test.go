package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iwabundle"
	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/internal/testutil"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, iwabundle.DefaultEvictionInterval, cfg.EvictionInterval)
	assert.Equal(t, "session", cfg.VerifyPolicy)
	assert.True(t, cfg.Registry.DockerConfig)
}

func TestParse(t *testing.T) {
	t.Parallel()

	key := testutil.NewEd25519Key(t)
	cfg, err := Parse([]byte(`
eviction_interval: 90s
verify_policy: always
trusted_bundle_ids:
  - ` + key.ID.String() + `
verify:
  workers: 2
  max_signatures: 4
log:
  level: debug
  format: json
registry:
  plain_http: true
  anonymous: true
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.EvictionInterval)
	assert.Equal(t, "always", cfg.VerifyPolicy)
	assert.Equal(t, []string{key.ID.String()}, cfg.TrustedBundleIDs)
	assert.Equal(t, 2, cfg.Verify.Workers)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Registry.PlainHTTP)
	assert.True(t, cfg.Registry.Anonymous)
	// Unset keys keep their defaults.
	assert.True(t, cfg.Registry.DockerConfig)

	reg, err := iwabundle.NewRegistry(mustRegistryOptions(t, cfg)...)
	require.NoError(t, err)
	require.NoError(t, reg.Close())
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown key":        "eviction: 1m\n",
		"bad duration":       "eviction_interval: soon\n",
		"zero interval":      "eviction_interval: 0s\n",
		"unknown policy":     "verify_policy: sometimes\n",
		"bad bundle id":      "trusted_bundle_ids: [nope]\n",
		"bad log level":      "log: {level: loud}\n",
		"bad log format":     "log: {format: xml}\n",
		"creds without host":  "registry: {username: u, password: p}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"IWABUNDLE_EVICTION_INTERVAL":   "5m",
		"IWABUNDLE_VERIFY_POLICY":       "install",
		"IWABUNDLE_LOG_LEVEL":           "warn",
		"IWABUNDLE_REGISTRY_PLAIN_HTTP": "true",
		"IWABUNDLE_REGISTRY_USERNAME":   "robot",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, 5*time.Minute, cfg.EvictionInterval)
	assert.Equal(t, "install", cfg.VerifyPolicy)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Registry.PlainHTTP)
	assert.Equal(t, "robot", cfg.Registry.Username)

	env["IWABUNDLE_REGISTRY_PLAIN_HTTP"] = "maybe"
	require.Error(t, Default().applyEnv(lookup))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iwabundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verify_policy: always\n"), 0o600))

	t.Setenv("IWABUNDLE_LOG_LEVEL", "debug")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "always", cfg.VerifyPolicy)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestClientOptions(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Registry = RegistryConfig{Host: "ghcr.io", Username: "u", Password: "p", UserAgent: "test/1"}
	assert.Len(t, cfg.ClientOptions(nil), 4)

	cfg.Registry = RegistryConfig{Anonymous: true}
	assert.Len(t, cfg.ClientOptions(nil), 3)
}

func TestRegistryOptionsEnforceTrustedIDs(t *testing.T) {
	t.Parallel()

	trusted, other := testutil.NewEd25519Key(t), testutil.NewEd25519Key(t)
	dir := t.TempDir()
	path := testutil.WriteApp(t, dir, other)

	cfg := Default()
	cfg.TrustedBundleIDs = []string{trusted.ID.String()}
	reg, err := iwabundle.NewRegistry(mustRegistryOptions(t, cfg)...)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	req, err := bundle.NewRequest(other.URL("index.html"))
	require.NoError(t, err)
	_, err = reg.ReadResponse(t.Context(), path, other.ID, req)
	require.ErrorIs(t, err, iwabundle.ErrReadFailed)
	assert.Contains(t, err.Error(), "Failed to validate integrity block")
}

func mustRegistryOptions(t *testing.T, cfg *Config) []iwabundle.Option {
	t.Helper()
	opts, err := cfg.RegistryOptions(nil)
	require.NoError(t, err)
	return opts
}
