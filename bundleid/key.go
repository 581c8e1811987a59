package bundleid

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
)

const (
	ed25519KeyLen        = ed25519.PublicKeySize
	p256CompressedKeyLen = 33
)

// PublicKey is a signing key found in a bundle's integrity block.
type PublicKey struct {
	Type  Type
	Bytes []byte
}

// Ed25519Key wraps an Ed25519 public key.
func Ed25519Key(pub ed25519.PublicKey) PublicKey {
	return PublicKey{Type: TypeEd25519, Bytes: bytes.Clone(pub)}
}

// ECDSAP256Key wraps a P-256 public key in compressed form.
func ECDSAP256Key(pub *ecdsa.PublicKey) PublicKey {
	return PublicKey{
		Type:  TypeECDSAP256,
		Bytes: elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y), //nolint:staticcheck // compressed encoding is part of the ID format
	}
}

// Validate checks that the key has the expected length for its type.
func (k PublicKey) Validate() error {
	switch k.Type {
	case TypeEd25519, TypeECDSAP256:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, k.Type)
	}
	if want := keyLen(k.Type); len(k.Bytes) != want {
		return fmt.Errorf("%w: %s key is %d bytes, want %d", ErrUnsupportedKey, k.Type, len(k.Bytes), want)
	}
	if k.Type == TypeECDSAP256 {
		if x, _ := elliptic.UnmarshalCompressed(elliptic.P256(), k.Bytes); x == nil {
			return fmt.Errorf("%w: invalid compressed P-256 point", ErrUnsupportedKey)
		}
	}
	return nil
}

// ID derives the bundle ID for this key.
func (k PublicKey) ID() (ID, error) {
	if err := k.Validate(); err != nil {
		return ID{}, err
	}
	return newID(k.Type, k.Bytes), nil
}

// Equal reports whether two keys are identical.
func (k PublicKey) Equal(other PublicKey) bool {
	return k.Type == other.Type && bytes.Equal(k.Bytes, other.Bytes)
}

// ECDSA decodes a P-256 key.
func (k PublicKey) ECDSA() (*ecdsa.PublicKey, error) {
	if k.Type != TypeECDSAP256 {
		return nil, fmt.Errorf("%w: %s is not ecdsa-p256", ErrUnsupportedKey, k.Type)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), k.Bytes)
	if x == nil {
		return nil, fmt.Errorf("%w: invalid compressed P-256 point", ErrUnsupportedKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Ed25519 returns the key as an Ed25519 public key.
func (k PublicKey) Ed25519() (ed25519.PublicKey, error) {
	if k.Type != TypeEd25519 || len(k.Bytes) != ed25519KeyLen {
		return nil, fmt.Errorf("%w: %s is not ed25519", ErrUnsupportedKey, k.Type)
	}
	return ed25519.PublicKey(bytes.Clone(k.Bytes)), nil
}
