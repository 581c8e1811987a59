// Package file streams response payloads out of a bundle's payload section.
package file

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/iwabundle/bundle"
)

// DefaultMaxDecoderMemory bounds the memory a single zstd decoder may
// allocate for one response body.
const DefaultMaxDecoderMemory = 64 << 20

// DecompressPool hands out decoders for the stored bytes of response
// payloads. zstd decoders are reused across bodies and across readers that
// share the pool.
type DecompressPool struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
}

// NewDecompressPool creates a pool whose decoders allocate at most maxMemory
// bytes. Zero selects DefaultMaxDecoderMemory.
func NewDecompressPool(maxMemory uint64) *DecompressPool {
	if maxMemory == 0 {
		maxMemory = DefaultMaxDecoderMemory
	}
	p := &DecompressPool{maxDecoderMemory: maxMemory}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

// open returns a reader of the decoded content of section, as described by
// head. release must be called once the body has been read; it is nil for
// uncompressed payloads.
func (p *DecompressPool) open(section io.Reader, head *bundle.ResponseHead) (io.Reader, func(), error) {
	switch head.Compression {
	case bundle.CompressionNone:
		if head.PayloadLength != head.ContentLength {
			return nil, nil, fmt.Errorf("%w: stored %d bytes, content %d bytes", ErrSizeMismatch, head.PayloadLength, head.ContentLength)
		}
		return section, nil, nil
	case bundle.CompressionZstd:
		dec, release, err := p.get(section)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		return dec, release, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, head.Compression)
	}
}

func (p *DecompressPool) get(r io.Reader) (*zstd.Decoder, func(), error) {
	if p == nil || p.pool == nil {
		dec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	dec, ok := p.pool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		dec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	if err := dec.Reset(r); err != nil {
		dec.Close()
		dec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

// newDecoder decodes one body on the calling goroutine. Bodies are streamed
// from their own goroutine already.
func (p *DecompressPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	limit := uint64(DefaultMaxDecoderMemory)
	if p != nil && p.maxDecoderMemory != 0 {
		limit = p.maxDecoderMemory
	}
	return zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(limit))
}
