// Package config loads iwabundle settings from YAML files and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/iwabundle"
	"github.com/meigma/iwabundle/bundleid"
	"github.com/meigma/iwabundle/oci"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/validator"
)

// Config holds the settings shared by the registry, the OCI client and the CLI.
type Config struct {
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	VerifyPolicy     string        `yaml:"verify_policy"`
	TrustedBundleIDs []string      `yaml:"trusted_bundle_ids,omitempty"`

	Verify   VerifyConfig   `yaml:"verify"`
	Log      LogConfig      `yaml:"log"`
	Registry RegistryConfig `yaml:"registry"`
}

// VerifyConfig tunes signature verification.
type VerifyConfig struct {
	Workers       int `yaml:"workers"`
	MaxSignatures int `yaml:"max_signatures"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// RegistryConfig configures access to OCI registries.
type RegistryConfig struct {
	PlainHTTP    bool   `yaml:"plain_http"`
	UserAgent    string `yaml:"user_agent,omitempty"`
	Anonymous    bool   `yaml:"anonymous"`
	DockerConfig bool   `yaml:"docker_config"`
	Host         string `yaml:"host,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		EvictionInterval: iwabundle.DefaultEvictionInterval,
		VerifyPolicy:     iwabundle.VerifyOncePerSession.String(),
		Log:              LogConfig{Level: "info", Format: "text"},
		Registry:         RegistryConfig{DockerConfig: true},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is chosen by the operator
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides settings from IWABUNDLE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("IWABUNDLE_EVICTION_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("IWABUNDLE_EVICTION_INTERVAL: %w", err)
		}
		c.EvictionInterval = d
	}
	if v, ok := lookup("IWABUNDLE_VERIFY_POLICY"); ok {
		c.VerifyPolicy = v
	}
	if v, ok := lookup("IWABUNDLE_TRUSTED_BUNDLE_IDS"); ok {
		c.TrustedBundleIDs = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	if v, ok := lookup("IWABUNDLE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("IWABUNDLE_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("IWABUNDLE_REGISTRY_PLAIN_HTTP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IWABUNDLE_REGISTRY_PLAIN_HTTP: %w", err)
		}
		c.Registry.PlainHTTP = b
	}
	if v, ok := lookup("IWABUNDLE_REGISTRY_USERNAME"); ok {
		c.Registry.Username = v
	}
	if v, ok := lookup("IWABUNDLE_REGISTRY_PASSWORD"); ok {
		c.Registry.Password = v
	}
	return nil
}

// Validate checks that every setting can be turned into options.
func (c *Config) Validate() error {
	if c.EvictionInterval <= 0 {
		return fmt.Errorf("eviction_interval must be positive, got %s", c.EvictionInterval)
	}
	if _, err := iwabundle.ParseVerifyPolicy(c.VerifyPolicy); err != nil {
		return err
	}
	if _, err := c.trustedIDs(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if (c.Registry.Username != "" || c.Registry.Password != "") && c.Registry.Host == "" {
		return errors.New("registry.host is required with registry credentials")
	}
	return nil
}

func (c *Config) trustedIDs() ([]bundleid.ID, error) {
	ids := make([]bundleid.ID, 0, len(c.TrustedBundleIDs))
	for _, s := range c.TrustedBundleIDs {
		id, err := bundleid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("trusted_bundle_ids: %w", err)
		}
		if !id.IsSigned() {
			return nil, fmt.Errorf("trusted_bundle_ids: %s is not a signed bundle id", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Logger builds a logger writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// VerifierOptions returns the signature verifier options.
func (c *Config) VerifierOptions(logger *slog.Logger) []sigverify.Option {
	opts := []sigverify.Option{sigverify.WithLogger(logger)}
	if c.Verify.Workers > 0 {
		opts = append(opts, sigverify.WithWorkers(c.Verify.Workers))
	}
	if c.Verify.MaxSignatures > 0 {
		opts = append(opts, sigverify.WithMaxSignatures(c.Verify.MaxSignatures))
	}
	return opts
}

// RegistryOptions returns the options for iwabundle.NewRegistry. When
// trusted_bundle_ids is set, bundles signed for any other ID are rejected.
func (c *Config) RegistryOptions(logger *slog.Logger) ([]iwabundle.Option, error) {
	policy, err := iwabundle.ParseVerifyPolicy(c.VerifyPolicy)
	if err != nil {
		return nil, err
	}
	ids, err := c.trustedIDs()
	if err != nil {
		return nil, err
	}

	var v validator.Validator = validator.New(validator.WithLogger(logger))
	if len(ids) > 0 {
		v = validator.RequireAll(v, validator.TrustedIDs(ids...))
	}

	return []iwabundle.Option{
		iwabundle.WithLogger(logger),
		iwabundle.WithEvictionInterval(c.EvictionInterval),
		iwabundle.WithVerifyPolicy(policy),
		iwabundle.WithValidator(v),
		iwabundle.WithVerifierFactory(sigverify.NewFactory(c.VerifierOptions(logger)...)),
	}, nil
}

// ClientOptions returns the options for oci.New.
func (c *Config) ClientOptions(logger *slog.Logger) []oci.Option {
	opts := []oci.Option{
		oci.WithPlainHTTP(c.Registry.PlainHTTP),
		oci.WithLogger(logger),
	}
	if c.Registry.UserAgent != "" {
		opts = append(opts, oci.WithUserAgent(c.Registry.UserAgent))
	}
	switch {
	case c.Registry.Anonymous:
		opts = append(opts, oci.WithAnonymous())
	case c.Registry.Username != "" || c.Registry.Password != "":
		opts = append(opts, oci.WithStaticCredentials(c.Registry.Host, c.Registry.Username, c.Registry.Password))
	case c.Registry.DockerConfig:
		opts = append(opts, oci.WithDockerConfig())
	}
	return opts
}
