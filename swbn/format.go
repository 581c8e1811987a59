package swbn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
	"github.com/meigma/iwabundle/internal/fb"
)

// Format constants.
const (
	Magic   = "swbn"
	Version = uint32(1)

	headerLen = 8
	lengthLen = 4

	maxIntegrityBlockLen = 1 << 20
	maxMetadataLen       = 64 << 20
)

// layout records where the sections of a bundle file start.
type layout struct {
	size         int64
	signedStart  int64
	payloadStart int64
}

type integrityBlock struct {
	signatures []bundle.Signature
}

func (ib *integrityBlock) publicKeys() []bundleid.PublicKey {
	keys := make([]bundleid.PublicKey, len(ib.signatures))
	for i, sig := range ib.signatures {
		keys[i] = sig.PublicKey
	}
	return keys
}

type metadata struct {
	primaryURL *url.URL
	heads      []bundle.ResponseHead
	urls       []*url.URL
}

// lookup finds the response recorded for key.
func (m *metadata) lookup(key string) (bundle.ResponseHead, bool) {
	i, found := slices.BinarySearchFunc(m.heads, key, func(h bundle.ResponseHead, k string) int {
		switch {
		case h.URL < k:
			return -1
		case h.URL > k:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return bundle.ResponseHead{}, false
	}
	return m.heads[i], true
}

func readHeader(r io.ReaderAt, size int64) error {
	if size < headerLen {
		return errors.New("file is too small to be a signed web bundle")
	}
	var hdr [headerLen]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	if string(hdr[:4]) != Magic {
		return fmt.Errorf("wrong magic bytes %q", hdr[:4])
	}
	if v := binary.BigEndian.Uint32(hdr[4:]); v != Version {
		return fmt.Errorf("unsupported version %d", v)
	}
	return nil
}

// readSection reads a length-prefixed section starting at off and returns
// its bytes and the offset following it.
func readSection(r io.ReaderAt, off, size int64, limit uint32) ([]byte, int64, error) {
	if off+lengthLen > size {
		return nil, 0, errors.New("unexpected end of file reading section length")
	}
	var lb [lengthLen]byte
	if _, err := r.ReadAt(lb[:], off); err != nil {
		return nil, 0, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n > limit {
		return nil, 0, fmt.Errorf("section of %d bytes exceeds limit of %d", n, limit)
	}
	start := off + lengthLen
	end := start + int64(n)
	if end > size {
		return nil, 0, fmt.Errorf("section of %d bytes runs past end of file", n)
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, start); err != nil && !(errors.Is(err, io.EOF) && end == size) {
		return nil, 0, err
	}
	return buf, end, nil
}

func readIntegrityBlock(r io.ReaderAt, size int64) (*integrityBlock, layout, error) {
	if err := readHeader(r, size); err != nil {
		return nil, layout{}, err
	}
	buf, next, err := readSection(r, headerLen, size, maxIntegrityBlockLen)
	if err != nil {
		return nil, layout{}, fmt.Errorf("integrity block: %w", err)
	}
	ib, err := decodeIntegrityBlock(buf)
	if err != nil {
		return nil, layout{}, err
	}
	return ib, layout{size: size, signedStart: next}, nil
}

func readMetadata(r io.ReaderAt, l *layout) (*metadata, error) {
	buf, next, err := readSection(r, l.signedStart, l.size, maxMetadataLen)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	m, err := decodeMetadata(buf)
	if err != nil {
		return nil, err
	}
	l.payloadStart = next
	return m, nil
}

// decodeIntegrityBlock converts the FlatBuffers table. Malformed offsets
// make the generated accessors panic, which is reported as an error.
func decodeIntegrityBlock(buf []byte) (ib *integrityBlock, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ib, err = nil, fmt.Errorf("malformed integrity block: %v", rec)
		}
	}()
	if len(buf) < 8 {
		return nil, errors.New("integrity block is too small")
	}

	root := fb.GetRootAsIntegrityBlock(buf, 0)
	if v := root.Version(); v != Version {
		return nil, fmt.Errorf("unsupported integrity block version %d", v)
	}
	n := root.SignaturesLength()
	if n == 0 {
		return nil, errors.New("the signature stack is empty")
	}
	if err := checkVectorLen("signatures", n, buf); err != nil {
		return nil, err
	}

	ib = &integrityBlock{signatures: make([]bundle.Signature, 0, n)}
	var sig fb.Signature
	for i := range n {
		if !root.Signatures(&sig, i) {
			return nil, fmt.Errorf("signature %d is missing", i)
		}
		key := bundleid.PublicKey{
			Type:  bundleid.Type(sig.KeyType()),
			Bytes: slices.Clone(sig.PublicKeyBytes()),
		}
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		ib.signatures = append(ib.signatures, bundle.Signature{
			PublicKey: key,
			Signature: slices.Clone(sig.SignatureBytes()),
		})
	}
	return ib, nil
}

// checkVectorLen rejects a vector length that cannot fit in buf. Every
// element takes at least one 4-byte offset.
func checkVectorLen(name string, n int, buf []byte) error {
	if n < 0 || n > len(buf)/flatbuffers.SizeUOffsetT {
		return fmt.Errorf("%s: vector length %d exceeds buffer of %d bytes", name, n, len(buf))
	}
	return nil
}

func decodeMetadata(buf []byte) (m *metadata, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m, err = nil, fmt.Errorf("malformed metadata: %v", rec)
		}
	}()
	if len(buf) < 8 {
		return nil, errors.New("metadata is too small")
	}

	root := fb.GetRootAsMetadata(buf, 0)
	if v := root.Version(); v != Version {
		return nil, fmt.Errorf("unsupported metadata version %d", v)
	}

	m = &metadata{}
	if raw := root.PrimaryUrl(); len(raw) > 0 {
		u, err := url.Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("primary URL: %w", err)
		}
		m.primaryURL = u
	}

	n := root.ResponsesLength()
	if err := checkVectorLen("responses", n, buf); err != nil {
		return nil, err
	}
	m.heads = make([]bundle.ResponseHead, 0, n)
	m.urls = make([]*url.URL, 0, n)
	var resp fb.Response
	for i := range n {
		if !root.Responses(&resp, i) {
			return nil, fmt.Errorf("response %d is missing", i)
		}
		head, u, err := decodeResponse(&resp)
		if err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
		if i > 0 && m.heads[i-1].URL >= head.URL {
			return nil, fmt.Errorf("response %d: %q is not sorted after %q", i, head.URL, m.heads[i-1].URL)
		}
		m.heads = append(m.heads, head)
		m.urls = append(m.urls, u)
	}
	return m, nil
}

func decodeResponse(resp *fb.Response) (bundle.ResponseHead, *url.URL, error) {
	raw := string(resp.Url())
	u, err := url.Parse(raw)
	if err != nil {
		return bundle.ResponseHead{}, nil, err
	}
	if !u.IsAbs() {
		return bundle.ResponseHead{}, nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	if u.String() != raw {
		return bundle.ResponseHead{}, nil, fmt.Errorf("%q is not in canonical form", raw)
	}

	status := int(resp.Status())
	if status < 100 || status > 599 {
		return bundle.ResponseHead{}, nil, fmt.Errorf("%q: invalid status %d", raw, status)
	}

	d, err := digest.Parse(string(resp.Digest()))
	if err != nil {
		return bundle.ResponseHead{}, nil, fmt.Errorf("%q: %w", raw, err)
	}

	var compression bundle.Compression
	switch resp.Compression() {
	case fb.CompressionNone:
		compression = bundle.CompressionNone
	case fb.CompressionZstd:
		compression = bundle.CompressionZstd
	default:
		return bundle.ResponseHead{}, nil, fmt.Errorf("%q: unknown compression %s", raw, resp.Compression())
	}

	nh := resp.HeadersLength()
	if err := checkVectorLen(raw+": headers", nh, resp.Table().Bytes); err != nil {
		return bundle.ResponseHead{}, nil, err
	}
	header := make(http.Header, nh)
	var h fb.Header
	for j := range nh {
		if !resp.Headers(&h, j) {
			return bundle.ResponseHead{}, nil, fmt.Errorf("%q: header %d is missing", raw, j)
		}
		header.Add(string(h.Name()), string(h.Value()))
	}

	return bundle.ResponseHead{
		URL:           raw,
		Status:        status,
		Header:        header,
		PayloadOffset: resp.PayloadOffset(),
		PayloadLength: resp.PayloadLength(),
		ContentLength: resp.ContentLength(),
		Digest:        d,
		Compression:   compression,
	}, u, nil
}
