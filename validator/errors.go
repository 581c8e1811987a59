package validator

import "errors"

var (
	// ErrIntegrityBlock is returned when the signature stack does not match the bundle ID.
	ErrIntegrityBlock = errors.New("validator: integrity block rejected")

	// ErrMetadata is returned when the bundle's metadata is not acceptable.
	ErrMetadata = errors.New("validator: metadata rejected")

	// ErrUntrusted is returned when a bundle ID is not on the trusted list.
	ErrUntrusted = errors.New("validator: bundle id is not trusted")
)
