package file

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/iwabundle/bundle"
)

// Payload streams one response body with incremental digest verification.
//
// Read returns io.EOF only after the decoded content matched both the
// recorded content length and digest.
type Payload struct {
	r         io.Reader
	release   func()
	verifier  digest.Verifier
	remaining uint64
	done      bool
	err       error
}

// OpenPayload wraps the stored bytes of a response. The section must cover
// exactly head.PayloadLength bytes.
func OpenPayload(section io.Reader, head *bundle.ResponseHead, pool *DecompressPool) (*Payload, error) {
	if err := head.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}

	p := &Payload{
		verifier:  head.Digest.Verifier(),
		remaining: head.ContentLength,
	}

	r, release, err := pool.open(section, head)
	if err != nil {
		return nil, err
	}
	p.r = r
	p.release = release
	return p, nil
}

// Read implements io.Reader.
func (p *Payload) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.done {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	if p.remaining == 0 {
		return 0, p.finish()
	}
	if uint64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}

	n, err := p.r.Read(b)
	if n > 0 {
		_, _ = p.verifier.Write(b[:n]) //nolint:errcheck // hash writes never fail
		p.remaining -= uint64(n)
	}
	switch {
	case err == io.EOF && p.remaining != 0:
		p.err = fmt.Errorf("%w: %d bytes missing", ErrSizeMismatch, p.remaining)
		return n, p.err
	case err == io.EOF:
		return n, p.finish()
	case err != nil:
		p.err = p.wrap(err)
		return n, p.err
	}
	return n, nil
}

// Close returns the decoder to its pool.
func (p *Payload) Close() error {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	return nil
}

// finish checks for trailing content and verifies the digest.
func (p *Payload) finish() error {
	var scratch [1]byte
	for {
		n, err := p.r.Read(scratch[:])
		if n > 0 {
			p.err = fmt.Errorf("%w: trailing content", ErrSizeMismatch)
			return p.err
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			p.err = p.wrap(err)
			return p.err
		}
	}
	if !p.verifier.Verified() {
		p.err = ErrDigestMismatch
		return p.err
	}
	p.done = true
	return io.EOF
}

func (p *Payload) wrap(err error) error {
	if p.release != nil {
		return fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return err
}
