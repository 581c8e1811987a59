// Package swbn reads signed web bundles from local files.
//
// A bundle file is laid out as:
//
//	"swbn" | version (u32) | integrity block length (u32) | integrity block
//	metadata length (u32) | metadata | payload section
//
// The integrity block and metadata are FlatBuffers tables (see
// internal/fb/schema.fbs). Everything after the integrity block is covered
// by the signature stack. Metadata lists one record per response, sorted by
// URL, pointing into the payload section; payloads may be zstd compressed
// and are verified against their recorded digest while they are streamed.
//
// Open returns immediately and reports progress through bundle events, so a
// Reader can be driven by the reader registry without blocking its sequence.
package swbn
