// Package bundleid implements self-certifying identifiers for signed web
// bundles.
//
// A signed bundle ID is the lowercase, unpadded base32 encoding of the
// signing public key followed by a three byte type suffix. Proxy mode IDs
// are random and are not derived from a key; they identify development
// builds that are never signature checked.
package bundleid

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// Scheme is the URL scheme isolated web apps are served from.
const Scheme = "isolated-app"

// Type identifies how an ID was derived.
type Type uint8

const (
	TypeEd25519 Type = iota + 1
	TypeECDSAP256
	TypeProxyMode
)

func (t Type) String() string {
	switch t {
	case TypeEd25519:
		return "ed25519"
	case TypeECDSAP256:
		return "ecdsa-p256"
	case TypeProxyMode:
		return "proxy-mode"
	default:
		return "unknown"
	}
}

const proxyModeKeyLen = 8

var (
	suffixEd25519   = [3]byte{0x00, 0x01, 0x02}
	suffixECDSAP256 = [3]byte{0x00, 0x02, 0x02}
	suffixProxyMode = [3]byte{0x00, 0x00, 0x02}
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ID is a bundle identifier. The zero value is invalid.
type ID struct {
	typ     Type
	key     []byte
	encoded string
}

// Parse decodes an encoded bundle ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if s != strings.ToLower(s) {
		return ID{}, fmt.Errorf("%w: %q is not lowercase", ErrInvalidID, s)
	}
	raw, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	if len(raw) < 4 {
		return ID{}, fmt.Errorf("%w: %q is too short", ErrInvalidID, s)
	}

	var suffix [3]byte
	copy(suffix[:], raw[len(raw)-3:])
	key := raw[:len(raw)-3]

	var typ Type
	switch suffix {
	case suffixEd25519:
		typ = TypeEd25519
	case suffixECDSAP256:
		typ = TypeECDSAP256
	case suffixProxyMode:
		typ = TypeProxyMode
	default:
		return ID{}, fmt.Errorf("%w: %q has unknown type suffix %x", ErrInvalidID, s, suffix)
	}
	if want := keyLen(typ); len(key) != want {
		return ID{}, fmt.Errorf("%w: %q: %s key is %d bytes, want %d", ErrInvalidID, s, typ, len(key), want)
	}

	return ID{typ: typ, key: key, encoded: s}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewProxyMode returns a random proxy mode ID.
func NewProxyMode() (ID, error) {
	key := make([]byte, proxyModeKeyLen)
	if _, err := rand.Read(key); err != nil {
		return ID{}, err
	}
	return newID(TypeProxyMode, key), nil
}

func newID(typ Type, key []byte) ID {
	var suffix [3]byte
	switch typ {
	case TypeEd25519:
		suffix = suffixEd25519
	case TypeECDSAP256:
		suffix = suffixECDSAP256
	case TypeProxyMode:
		suffix = suffixProxyMode
	}
	raw := make([]byte, 0, len(key)+len(suffix))
	raw = append(raw, key...)
	raw = append(raw, suffix[:]...)
	return ID{
		typ:     typ,
		key:     bytes.Clone(key),
		encoded: strings.ToLower(encoding.EncodeToString(raw)),
	}
}

// Type returns how the ID was derived.
func (id ID) Type() Type { return id.typ }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id.encoded == "" }

// IsSigned reports whether the ID is derived from a signing key.
func (id ID) IsSigned() bool {
	return id.typ == TypeEd25519 || id.typ == TypeECDSAP256
}

// PublicKey returns the key the ID was derived from. It returns false for
// proxy mode IDs.
func (id ID) PublicKey() (PublicKey, bool) {
	if !id.IsSigned() {
		return PublicKey{}, false
	}
	return PublicKey{Type: id.typ, Bytes: bytes.Clone(id.key)}, true
}

// String returns the encoded ID.
func (id ID) String() string { return id.encoded }

// Equal reports whether two IDs are identical.
func (id ID) Equal(other ID) bool { return id.encoded == other.encoded }

// Origin returns the isolated-app origin served by this ID, with a
// trailing slash.
func (id ID) Origin() string {
	return Scheme + "://" + id.encoded + "/"
}

func keyLen(typ Type) int {
	switch typ {
	case TypeEd25519:
		return ed25519KeyLen
	case TypeECDSAP256:
		return p256CompressedKeyLen
	case TypeProxyMode:
		return proxyModeKeyLen
	default:
		return 0
	}
}
