package iwabundle

import "errors"

var (
	// ErrNotFound is returned when the bundle has no response for the
	// requested URL. Callers usually translate it into a 404.
	ErrNotFound = errors.New("iwabundle: response not found")

	// ErrReadFailed is returned for every other failure to read a response
	// or its body.
	ErrReadFailed = errors.New("iwabundle: read failed")

	// ErrReaderReleased is returned together with ErrReadFailed when a
	// body is read after the bundle reader was evicted or discarded.
	ErrReaderReleased = errors.New("iwabundle: bundle reader released")

	// ErrClosed is returned together with ErrReadFailed once the registry
	// has been closed.
	ErrClosed = errors.New("iwabundle: registry closed")
)
