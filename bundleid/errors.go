package bundleid

import "errors"

var (
	// ErrInvalidID is returned when an encoded bundle ID cannot be parsed.
	ErrInvalidID = errors.New("bundleid: invalid bundle id")

	// ErrUnsupportedKey is returned for keys that cannot derive a bundle ID.
	ErrUnsupportedKey = errors.New("bundleid: unsupported public key")
)
