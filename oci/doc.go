// Package oci distributes signed web bundles through OCI registries.
//
// A bundle is stored as an artifact manifest with a single layer holding the
// bundle file. The layer is annotated with the bundle ID derived from the
// first signing key so that a pulled file can be matched to the ID it is
// installed under.
package oci
