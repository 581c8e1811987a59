package file

import "errors"

var (
	// ErrDigestMismatch is returned when a payload does not match its recorded digest.
	ErrDigestMismatch = errors.New("file: payload digest mismatch")

	// ErrDecompression is returned when a payload cannot be decompressed.
	ErrDecompression = errors.New("file: decompression failed")

	// ErrSizeMismatch is returned when a payload is shorter or longer than recorded.
	ErrSizeMismatch = errors.New("file: payload size mismatch")

	// ErrOverflow is returned when a copy would overflow its byte counter.
	ErrOverflow = errors.New("file: byte count overflow")

	// ErrUnsupportedCompression is returned for unknown compression algorithms.
	ErrUnsupportedCompression = errors.New("file: unsupported compression")
)
