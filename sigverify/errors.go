package sigverify

import "errors"

var (
	// ErrNoSignatures is returned when a bundle carries an empty signature stack.
	ErrNoSignatures = errors.New("sigverify: no signatures")

	// ErrTooManySignatures is returned when the stack exceeds the configured limit.
	ErrTooManySignatures = errors.New("sigverify: too many signatures")

	// ErrInvalidSignature is returned when a signature does not match the payload.
	ErrInvalidSignature = errors.New("sigverify: invalid signature")

	// ErrUnsupportedKey is returned for key types that cannot sign bundles.
	ErrUnsupportedKey = errors.New("sigverify: unsupported key type")

	// ErrUnsupportedDigest is returned when a payload digest is not SHA-256.
	ErrUnsupportedDigest = errors.New("sigverify: unsupported digest")
)
