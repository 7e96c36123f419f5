// Package pk defines the peer public-key identity used both as the
// remote side of a replication and as the namespace component of
// remote-tracking references.
package pk

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// Size is the length in bytes of an Ed25519 public key.
const Size = ed25519.PublicKeySize

// PublicKey is a 32-byte Ed25519 public key.
type PublicKey [Size]byte

// ErrBadLength is returned when decoding a string of the wrong length.
var ErrBadLength = errors.New("pk: wrong public key length")

// FromBytes copies b into a PublicKey. b must be exactly Size bytes.
func FromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != Size {
		return pk, fmt.Errorf("pk: expected %d bytes, got %d: %w", Size, len(b), ErrBadLength)
	}
	copy(pk[:], b)
	return pk, nil
}

// Parse decodes the hex string form used as a namespace component in
// qualified refnames (refs/namespaces/<pk>/...).
func Parse(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("pk: invalid public key string %q: %w", s, err)
	}
	return FromBytes(b)
}

// String renders the public key in the hex form used as a ref
// namespace component.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Bytes returns the raw key bytes.
func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

// Ed25519 returns the standard library representation of the key, for
// callers (e.g. the identity oracle) that need to verify signatures.
func (pk PublicKey) Ed25519() ed25519.PublicKey {
	return ed25519.PublicKey(pk[:])
}

// Less provides a total order over public keys, used to keep maps and
// iteration order deterministic (e.g. sigrefs.Load's stable iteration).
func Less(a, b PublicKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
