package swbn

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
)

// Info summarizes a bundle file.
type Info struct {
	Size       int64
	Signatures []bundle.Signature
	PrimaryURL *url.URL
	Responses  []bundle.ResponseHead

	// Verified is true when a verifier was supplied and accepted the
	// signature stack.
	Verified bool
}

// IDs returns the bundle ID derived from each signing key.
func (i *Info) IDs() []bundleid.ID {
	ids := make([]bundleid.ID, 0, len(i.Signatures))
	for _, sig := range i.Signatures {
		if id, err := sig.PublicKey.ID(); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Inspect reads the integrity block and metadata of the bundle at path.
// If verifier is non-nil the signature stack is checked as well.
// Failures are reported as *bundle.OpenError.
func Inspect(ctx context.Context, path string, verifier bundle.Verifier) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(bundle.IntegrityBlockParseError, "failed to open bundle: %v", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, openError(bundle.IntegrityBlockParseError, "failed to stat bundle: %v", err)
	}

	ib, l, err := readIntegrityBlock(f, st.Size())
	if err != nil {
		return nil, openError(bundle.IntegrityBlockParseError, "%v", err)
	}

	info := &Info{Size: st.Size(), Signatures: ib.signatures}
	if verifier != nil {
		signed := io.NewSectionReader(f, l.signedStart, l.size-l.signedStart)
		if err := verifier.VerifySignatures(ctx, signed, ib.signatures); err != nil {
			return nil, openError(bundle.SignatureVerificationError, "%v", err)
		}
		info.Verified = true
	}

	meta, err := readMetadata(f, &l)
	if err != nil {
		return nil, openError(bundle.MetadataParseError, "%v", err)
	}
	info.PrimaryURL = meta.primaryURL
	info.Responses = meta.heads
	for i := range info.Responses {
		if err := checkBounds(&info.Responses[i], &l); err != nil {
			return nil, openError(bundle.MetadataParseError, "%s: %v", info.Responses[i].URL, err)
		}
	}
	return info, nil
}
