// Package validator decides whether a bundle may be served for a bundle ID.
//
// A Validator is consulted twice while a bundle is opened: once with the
// public keys of the integrity block, and once with the parsed metadata.
// The default validator implements the isolated web app rules; custom
// checks can be layered with RequireAll and RequireAny:
//
//	v := validator.RequireAll(
//	    validator.New(),
//	    validator.TrustedIDs(allowed...),
//	)
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/meigma/iwabundle/bundleid"
)

// Validator checks a bundle's integrity block and metadata against the
// bundle ID it is expected to carry.
type Validator interface {
	// ValidateIntegrityBlock checks the public keys of the signature stack.
	ValidateIntegrityBlock(ctx context.Context, id bundleid.ID, keys []bundleid.PublicKey) error

	// ValidateMetadata checks the primary URL (nil if absent) and the URLs
	// of every response in the bundle.
	ValidateMetadata(id bundleid.ID, primaryURL *url.URL, entries []*url.URL) error
}

// Funcs adapts plain functions to a Validator. A nil function accepts.
type Funcs struct {
	IntegrityBlock func(ctx context.Context, id bundleid.ID, keys []bundleid.PublicKey) error
	Metadata       func(id bundleid.ID, primaryURL *url.URL, entries []*url.URL) error
}

// ValidateIntegrityBlock calls f.IntegrityBlock.
func (f Funcs) ValidateIntegrityBlock(ctx context.Context, id bundleid.ID, keys []bundleid.PublicKey) error {
	if f.IntegrityBlock == nil {
		return nil
	}
	return f.IntegrityBlock(ctx, id, keys)
}

// ValidateMetadata calls f.Metadata.
func (f Funcs) ValidateMetadata(id bundleid.ID, primaryURL *url.URL, entries []*url.URL) error {
	if f.Metadata == nil {
		return nil
	}
	return f.Metadata(id, primaryURL, entries)
}

// Default enforces the isolated web app rules.
type Default struct {
	logger *slog.Logger
}

// Option configures a Default validator.
type Option func(*Default)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Default) {
		d.logger = logger
	}
}

// New creates the default validator.
func New(opts ...Option) *Default {
	d := &Default{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Default) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// ValidateIntegrityBlock requires a non-empty key stack in which at least
// one key derives id.
func (d *Default) ValidateIntegrityBlock(_ context.Context, id bundleid.ID, keys []bundleid.PublicKey) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: the signature stack is empty", ErrIntegrityBlock)
	}
	for _, key := range keys {
		derived, err := key.ID()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrityBlock, err)
		}
		if derived.Equal(id) {
			return nil
		}
	}
	d.log().Debug("no signing key matches bundle id", "bundle_id", id.String(), "keys", len(keys))
	return fmt.Errorf("%w: none of the %d public keys derive the expected Signed Web Bundle ID %s",
		ErrIntegrityBlock, len(keys), id)
}

// ValidateMetadata requires every URL to be on the bundle's isolated-app
// origin, without credentials, query or fragment.
func (d *Default) ValidateMetadata(id bundleid.ID, primaryURL *url.URL, entries []*url.URL) error {
	if primaryURL != nil {
		if err := checkURL(id, primaryURL); err != nil {
			return fmt.Errorf("%w: invalid primary URL: %v", ErrMetadata, err)
		}
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: the bundle contains no responses", ErrMetadata)
	}
	for _, entry := range entries {
		if err := checkURL(id, entry); err != nil {
			return fmt.Errorf("%w: the URL of an exchange is invalid: %v", ErrMetadata, err)
		}
	}
	return nil
}

func checkURL(id bundleid.ID, u *url.URL) error {
	if u.Scheme != bundleid.Scheme {
		return fmt.Errorf("%s: scheme must be %s", u, bundleid.Scheme)
	}
	if u.Host != id.String() {
		return fmt.Errorf("%s: contains the wrong Signed Web Bundle ID %q", u, u.Host)
	}
	if u.User != nil {
		return fmt.Errorf("%s: URLs must not have credentials", u.Redacted())
	}
	if u.RawQuery != "" || u.ForceQuery {
		return fmt.Errorf("%s: URLs must not have a query", u)
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return fmt.Errorf("%s: URLs must not have a fragment", u)
	}
	return nil
}
