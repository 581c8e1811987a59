package iwabundle

import (
	"io"
	"net/url"

	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/swbn"
)

// BundleReader reads one bundle. Open events are delivered through the
// emit function handed to its Opener.
type BundleReader interface {
	ReadResponse(req bundle.Request, done func(bundle.ResponseHead, error))
	ReadResponseBody(head bundle.ResponseHead, w io.Writer, done func(error))
	PrimaryURL() *url.URL
	Entries() []*url.URL
	Close() error
}

// Opener starts opening the bundle at path and returns its reader without
// waiting. The reader must emit an IntegrityBlockRead event (unless the
// integrity block cannot be parsed) followed by exactly one MetadataRead.
type Opener func(path string, verifier bundle.Verifier, emit func(bundle.Event)) BundleReader

// SWBNOpener opens signed web bundle files with the swbn package.
func SWBNOpener(opts ...swbn.Option) Opener {
	return func(path string, verifier bundle.Verifier, emit func(bundle.Event)) BundleReader {
		return swbn.Open(path, verifier, emit, opts...)
	}
}
