// Package write streams response bodies into a bundle's payload section.
package write

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/internal/file"
)

// ErrSizeMismatch is returned when a body does not have its declared size.
var ErrSizeMismatch = errors.New("write: body size mismatch")

// Result describes one body written to the payload section.
type Result struct {
	StoredSize  uint64
	ContentSize uint64
	Digest      digest.Digest
}

// Payload streams a body through the digest and optional compression pipeline.
//
// The encoder and buf are reused across calls. Pass a nil encoder for
// uncompressed writes. A negative expectedSize disables the size check.
func Payload(ctx context.Context, body io.Reader, w io.Writer, enc *zstd.Encoder, buf []byte, compression bundle.Compression, expectedSize int64) (Result, error) {
	digester := digest.SHA256.Digester()
	cw := &countingWriter{w: w}
	cr := &countingReader{r: body}
	if expectedSize >= 0 {
		cr.r = io.LimitReader(body, expectedSize)
	}
	src := io.TeeReader(cr, digester.Hash())

	switch compression {
	case bundle.CompressionNone:
		// body → TeeReader(digester) → countingWriter(payload)
		if _, err := file.CopyWithContext(ctx, cw, src, buf); err != nil {
			return Result{}, err
		}
	case bundle.CompressionZstd:
		if enc == nil {
			return Result{}, errors.New("write: zstd compression requires an encoder")
		}
		// body → TeeReader(digester) → zstd encoder → countingWriter(payload)
		enc.Reset(cw)
		if _, err := file.CopyWithContext(ctx, enc, src, buf); err != nil {
			enc.Close()
			return Result{}, err
		}
		if err := enc.Close(); err != nil {
			return Result{}, fmt.Errorf("close zstd encoder: %w", err)
		}
	default:
		return Result{}, fmt.Errorf("%w: %s", file.ErrUnsupportedCompression, compression)
	}

	if expectedSize >= 0 && cr.n != uint64(expectedSize) {
		return Result{}, fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, expectedSize, cr.n)
	}

	return Result{
		StoredSize:  cw.n,
		ContentSize: cr.n,
		Digest:      digester.Digest(),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n) //nolint:gosec // n is non-negative by the io.Writer contract
	return n, err
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n) //nolint:gosec // n is non-negative by the io.Reader contract
	return n, err
}
