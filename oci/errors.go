package oci

import "errors"

var (
	// ErrInvalidReference is returned when a reference string is malformed
	// or has no tag or digest.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrNotFound is returned when the reference does not exist.
	ErrNotFound = errors.New("oci: not found")

	// ErrInvalidManifest is returned when a manifest is not a bundle artifact.
	ErrInvalidManifest = errors.New("oci: not a bundle manifest")

	// ErrDigestMismatch is returned when downloaded content does not match
	// its descriptor.
	ErrDigestMismatch = errors.New("oci: digest mismatch")
)
