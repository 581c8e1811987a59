package swbn

import "errors"

var (
	// ErrClosed is returned by body reads on a closed Reader.
	ErrClosed = errors.New("swbn: reader closed")

	// ErrNotReady is returned by body reads before the metadata was read.
	ErrNotReady = errors.New("swbn: bundle not ready")

	// ErrOutOfBounds is returned when a response points outside the payload section.
	ErrOutOfBounds = errors.New("swbn: payload out of bounds")
)
