// Package fb contains the FlatBuffers tables of the signed web bundle
// integrity block and metadata. See schema.fbs.
package fb

//go:generate flatc --go --go-namespace fb -o .. schema.fbs
