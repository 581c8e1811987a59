package bundle

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/iwabundle/bundleid"
)

// Compression identifies how a response payload is stored.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Request is a resource request addressed to a bundle.
type Request struct {
	URL    *url.URL
	Method string
	Header http.Header
}

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string) (Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, err
	}
	return Request{URL: u, Method: http.MethodGet}, nil
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			user := *r.URL.User
			u.User = &user
		}
		r.URL = &u
	}
	r.Header = r.Header.Clone()
	return r
}

// ResponseHead describes one response stored in a bundle. Payload offsets
// are relative to the start of the bundle's payload section.
type ResponseHead struct {
	URL           string
	Status        int
	Header        http.Header
	PayloadOffset uint64
	PayloadLength uint64
	ContentLength uint64
	Digest        digest.Digest
	Compression   Compression
}

// Clone returns a deep copy of h.
func (h ResponseHead) Clone() ResponseHead {
	h.Header = h.Header.Clone()
	return h
}

// Signature is one entry of a bundle's signature stack.
type Signature struct {
	PublicKey bundleid.PublicKey
	Signature []byte
}

// Verifier checks the signature stack of a bundle against the bundle's
// signed payload.
type Verifier interface {
	VerifySignatures(ctx context.Context, payload io.Reader, signatures []Signature) error
}

// VerifierFactory returns a fresh Verifier for each bundle that is opened.
type VerifierFactory func() Verifier
