package iwabundle

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/validator"
)

// Option configures a Registry.
type Option func(*Registry) error

// WithLogger sets the logger for the registry and the default collaborators.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// WithClock sets the clock used for access times and the sweep ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) error {
		if clock == nil {
			return errors.New("iwabundle: clock must not be nil")
		}
		r.clock = clock
		return nil
	}
}

// WithEvictionInterval sets how long a ready reader may stay idle.
// Default: DefaultEvictionInterval.
func WithEvictionInterval(d time.Duration) Option {
	return func(r *Registry) error {
		if d <= 0 {
			return errors.New("iwabundle: eviction interval must be positive")
		}
		r.interval = d
		return nil
	}
}

// WithVerifyPolicy sets the signature verification policy.
// Default: VerifyOncePerSession.
func WithVerifyPolicy(p VerifyPolicy) Option {
	return func(r *Registry) error {
		r.policy = p
		return nil
	}
}

// WithValidator replaces the default validator.
func WithValidator(v validator.Validator) Option {
	return func(r *Registry) error {
		r.validator = v
		return nil
	}
}

// WithVerifierFactory sets the factory producing one signature verifier per
// bundle open.
func WithVerifierFactory(f bundle.VerifierFactory) Option {
	return func(r *Registry) error {
		r.newVerifier = f
		return nil
	}
}

// WithOpener replaces the bundle reader implementation.
func WithOpener(o Opener) Option {
	return func(r *Registry) error {
		r.opener = o
		return nil
	}
}
