// Package sigverify verifies the signature stack of signed web bundles.
//
// The signed message is a domain separation prefix followed by the SHA-256
// digest of everything that follows the integrity block. The payload is
// hashed once and every signature of the stack is then checked
// concurrently; all of them must be valid.
package sigverify

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
)

// MessagePrefix separates bundle signatures from other uses of the same key.
const MessagePrefix = "swbn-signature-v1\x00"

// Verifier checks bundle signatures. A Verifier is used for one bundle open.
type Verifier struct {
	workers  int
	maxStack int
	logger   *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWorkers bounds how many signatures are checked concurrently.
// Values <= 0 use GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(v *Verifier) {
		v.workers = n
	}
}

// WithMaxSignatures rejects stacks with more than n signatures.
func WithMaxSignatures(n int) Option {
	return func(v *Verifier) {
		v.maxStack = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

const defaultMaxSignatures = 8

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{maxStack: defaultMaxSignatures}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(v)
	}
	if v.workers <= 0 {
		v.workers = runtime.GOMAXPROCS(0)
	}
	return v
}

// NewFactory returns a factory producing a fresh Verifier per bundle open.
func NewFactory(opts ...Option) bundle.VerifierFactory {
	return func() bundle.Verifier {
		return New(opts...)
	}
}

func (v *Verifier) log() *slog.Logger {
	if v.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.logger
}

// VerifySignatures hashes payload and checks every signature against it.
func (v *Verifier) VerifySignatures(ctx context.Context, payload io.Reader, signatures []bundle.Signature) error {
	if len(signatures) == 0 {
		return ErrNoSignatures
	}
	if v.maxStack > 0 && len(signatures) > v.maxStack {
		return fmt.Errorf("%w: %d signatures, limit %d", ErrTooManySignatures, len(signatures), v.maxStack)
	}

	d, err := Digest(ctx, payload)
	if err != nil {
		return fmt.Errorf("hash signed payload: %w", err)
	}
	message, err := Message(d)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for i, sig := range signatures {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := verifyOne(sig, message); err != nil {
				return fmt.Errorf("signature %d (%s): %w", i, sig.PublicKey.Type, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		v.log().Debug("signature verification failed", "signatures", len(signatures), "error", err)
		return err
	}

	v.log().Debug("signatures verified", "signatures", len(signatures), "payload_digest", d.String())
	return nil
}

// Digest hashes the signed payload.
func Digest(ctx context.Context, payload io.Reader) (digest.Digest, error) {
	digester := digest.SHA256.Digester()
	if _, err := io.Copy(digester.Hash(), &contextReader{ctx: ctx, r: payload}); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

// Message returns the bytes that are signed for a payload digest.
func Message(d digest.Digest) ([]byte, error) {
	if d.Algorithm() != digest.SHA256 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, d.Algorithm())
	}
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, err)
	}
	msg := make([]byte, 0, len(MessagePrefix)+len(raw))
	msg = append(msg, MessagePrefix...)
	msg = append(msg, raw...)
	return msg, nil
}

func verifyOne(sig bundle.Signature, message []byte) error {
	switch sig.PublicKey.Type {
	case bundleid.TypeEd25519:
		pub, err := sig.PublicKey.Ed25519()
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, message, sig.Signature) {
			return ErrInvalidSignature
		}
		return nil
	case bundleid.TypeECDSAP256:
		pub, err := sig.PublicKey.ECDSA()
		if err != nil {
			return err
		}
		sum := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(pub, sum[:], sig.Signature) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, sig.PublicKey.Type)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
