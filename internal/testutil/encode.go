package testutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/internal/fb"
	"github.com/meigma/iwabundle/internal/write"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/swbn"
)

// Resource is one response encoded into a test bundle.
type Resource struct {
	// URL must be absolute and canonical.
	URL string

	// Status defaults to 200.
	Status int

	Header      http.Header
	Body        []byte
	Compression bundle.Compression
}

// Errors returned by EncodeBundle.
var (
	ErrNoSigners          = errors.New("testutil: at least one signer is required")
	ErrDuplicateURL       = errors.New("testutil: duplicate resource URL")
	ErrInvalidResourceURL = errors.New("testutil: invalid resource URL")
)

// EncodeBundle encodes resources as a signed web bundle. Resources are
// sorted by URL; the signatures cover everything after the integrity block.
func EncodeBundle(ctx context.Context, resources []Resource, primaryURL string, signers ...Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, ErrNoSigners
	}

	sorted := slices.Clone(resources)
	slices.SortFunc(sorted, func(a, b Resource) int { return strings.Compare(a.URL, b.URL) })
	for i, res := range sorted {
		if err := checkResourceURL(res.URL); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1].URL == res.URL {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateURL, res.URL)
		}
	}

	var payload bytes.Buffer
	heads, err := writePayloads(ctx, &payload, sorted)
	if err != nil {
		return nil, err
	}
	meta := buildMetadata(primaryURL, heads)

	signed := make([]byte, 0, 4+len(meta)+payload.Len())
	signed = binary.BigEndian.AppendUint32(signed, uint32(len(meta))) //nolint:gosec // test bundles are small
	signed = append(signed, meta...)
	signed = append(signed, payload.Bytes()...)

	message, err := sigverify.Message(digest.FromBytes(signed))
	if err != nil {
		return nil, err
	}
	signatures := make([]bundle.Signature, len(signers))
	for i, s := range signers {
		sig, err := s.Sign(message)
		if err != nil {
			return nil, fmt.Errorf("sign with key %d: %w", i, err)
		}
		signatures[i] = bundle.Signature{PublicKey: s.PublicKey(), Signature: sig}
	}
	ib := buildIntegrityBlock(signatures)

	out := make([]byte, 0, 12+len(ib)+len(signed))
	out = append(out, swbn.Magic...)
	out = binary.BigEndian.AppendUint32(out, swbn.Version)
	out = binary.BigEndian.AppendUint32(out, uint32(len(ib))) //nolint:gosec // integrity blocks are small
	out = append(out, ib...)
	out = append(out, signed...)
	return out, nil
}

func checkResourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResourceURL, err)
	}
	if !u.IsAbs() || u.String() != raw {
		return fmt.Errorf("%w: %q must be absolute and canonical", ErrInvalidResourceURL, raw)
	}
	return nil
}

func writePayloads(ctx context.Context, payload *bytes.Buffer, resources []Resource) ([]bundle.ResponseHead, error) {
	var enc *zstd.Encoder
	if slices.ContainsFunc(resources, func(r Resource) bool { return r.Compression == bundle.CompressionZstd }) {
		var err error
		enc, err = zstd.NewWriter(io.Discard, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	buf := make([]byte, 32*1024)
	heads := make([]bundle.ResponseHead, 0, len(resources))
	for _, res := range resources {
		offset := uint64(payload.Len())
		result, err := write.Payload(ctx, bytes.NewReader(res.Body), payload, enc, buf, res.Compression, int64(len(res.Body)))
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", res.URL, err)
		}
		status := res.Status
		if status == 0 {
			status = http.StatusOK
		}
		heads = append(heads, bundle.ResponseHead{
			URL:           res.URL,
			Status:        status,
			Header:        res.Header,
			PayloadOffset: offset,
			PayloadLength: result.StoredSize,
			ContentLength: result.ContentSize,
			Digest:        result.Digest,
			Compression:   res.Compression,
		})
	}
	return heads, nil
}

// buildMetadata serializes the response heads to FlatBuffers format.
func buildMetadata(primaryURL string, heads []bundle.ResponseHead) []byte {
	builder := flatbuffers.NewBuilder(1024)

	// Build responses in reverse order (FlatBuffers requirement)
	offsets := make([]flatbuffers.UOffsetT, len(heads))
	for i := len(heads) - 1; i >= 0; i-- {
		h := heads[i]

		names := make([]string, 0, len(h.Header))
		for name := range h.Header {
			names = append(names, name)
		}
		slices.Sort(names)
		var headerOffsets []flatbuffers.UOffsetT
		for _, name := range names {
			for _, value := range h.Header[name] {
				n := builder.CreateString(strings.ToLower(name))
				v := builder.CreateString(value)
				fb.HeaderStart(builder)
				fb.HeaderAddName(builder, n)
				fb.HeaderAddValue(builder, v)
				headerOffsets = append(headerOffsets, fb.HeaderEnd(builder))
			}
		}
		fb.ResponseStartHeadersVector(builder, len(headerOffsets))
		for j := len(headerOffsets) - 1; j >= 0; j-- {
			builder.PrependUOffsetT(headerOffsets[j])
		}
		headersOffset := builder.EndVector(len(headerOffsets))

		urlOffset := builder.CreateString(h.URL)
		digestOffset := builder.CreateString(h.Digest.String())

		fb.ResponseStart(builder)
		fb.ResponseAddUrl(builder, urlOffset)
		fb.ResponseAddStatus(builder, uint16(h.Status)) //nolint:gosec // test statuses are valid HTTP codes
		fb.ResponseAddHeaders(builder, headersOffset)
		fb.ResponseAddPayloadOffset(builder, h.PayloadOffset)
		fb.ResponseAddPayloadLength(builder, h.PayloadLength)
		fb.ResponseAddContentLength(builder, h.ContentLength)
		fb.ResponseAddDigest(builder, digestOffset)
		fb.ResponseAddCompression(builder, fb.Compression(h.Compression)) //nolint:gosec // Compression is bounded 0-1
		offsets[i] = fb.ResponseEnd(builder)
	}

	// Responses vector must stay sorted for binary search
	fb.MetadataStartResponsesVector(builder, len(heads))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	responsesOffset := builder.EndVector(len(heads))

	var primaryOffset flatbuffers.UOffsetT
	if primaryURL != "" {
		primaryOffset = builder.CreateString(primaryURL)
	}

	fb.MetadataStart(builder)
	fb.MetadataAddVersion(builder, swbn.Version)
	if primaryURL != "" {
		fb.MetadataAddPrimaryUrl(builder, primaryOffset)
	}
	fb.MetadataAddResponses(builder, responsesOffset)
	root := fb.MetadataEnd(builder)

	builder.Finish(root)
	return builder.FinishedBytes()
}

func buildIntegrityBlock(signatures []bundle.Signature) []byte {
	builder := flatbuffers.NewBuilder(512)

	offsets := make([]flatbuffers.UOffsetT, len(signatures))
	for i := len(signatures) - 1; i >= 0; i-- {
		s := signatures[i]
		key := builder.CreateByteVector(s.PublicKey.Bytes)
		sig := builder.CreateByteVector(s.Signature)

		fb.SignatureStart(builder)
		fb.SignatureAddKeyType(builder, byte(s.PublicKey.Type))
		fb.SignatureAddPublicKey(builder, key)
		fb.SignatureAddSignature(builder, sig)
		offsets[i] = fb.SignatureEnd(builder)
	}

	fb.IntegrityBlockStartSignaturesVector(builder, len(signatures))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	signaturesOffset := builder.EndVector(len(signatures))

	fb.IntegrityBlockStart(builder)
	fb.IntegrityBlockAddVersion(builder, swbn.Version)
	fb.IntegrityBlockAddSignatures(builder, signaturesOffset)
	root := fb.IntegrityBlockEnd(builder)

	builder.Finish(root)
	return builder.FinishedBytes()
}
