// Package bundle defines the contract between the reader registry and the
// readers that parse signed web bundles.
//
// A reader reports its progress as tagged events: first IntegrityBlockRead,
// carrying the bundle's signature stack and a Resume function, then
// MetadataRead, carrying the outcome of opening the bundle. Once MetadataRead
// reported success the reader serves ReadResponse and ReadResponseBody calls.
package bundle
