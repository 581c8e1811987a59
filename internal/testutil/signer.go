package testutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/meigma/iwabundle/bundleid"
)

// Signer produces one entry of a bundle's signature stack.
type Signer interface {
	PublicKey() bundleid.PublicKey
	Sign(message []byte) ([]byte, error)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer returns a Signer for an Ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) Signer {
	return &ed25519Signer{priv: priv}
}

func (s *ed25519Signer) PublicKey() bundleid.PublicKey {
	return bundleid.Ed25519Key(s.priv.Public().(ed25519.PublicKey)) //nolint:forcetypeassert // ed25519.PrivateKey.Public always returns ed25519.PublicKey
}

func (s *ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

type ecdsaSigner struct {
	priv *ecdsa.PrivateKey
}

// NewECDSAP256Signer returns a Signer for an ECDSA P-256 private key.
func NewECDSAP256Signer(priv *ecdsa.PrivateKey) (Signer, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: ECDSA key is not on P-256", bundleid.ErrUnsupportedKey)
	}
	return &ecdsaSigner{priv: priv}, nil
}

func (s *ecdsaSigner) PublicKey() bundleid.PublicKey {
	return bundleid.ECDSAP256Key(&s.priv.PublicKey)
}

// Sign signs the SHA-256 hash of message and returns an ASN.1 DER signature.
func (s *ecdsaSigner) Sign(message []byte) ([]byte, error) {
	sum := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, s.priv, sum[:])
}
