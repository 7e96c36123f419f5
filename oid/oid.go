// Package oid wraps go-git's content-address hash so the rest of the
// replication engine has a domain name for it rather than the
// underlying plumbing type.
package oid

import (
	"github.com/go-git/go-git/v5/plumbing"
)

// OID is a 20-byte SHA-1 content address. The zero value means
// "nonexistent".
type OID = plumbing.Hash

// Zero is the distinguished "nonexistent" value.
var Zero OID

// FromString parses a hex-encoded OID with plumbing.NewHash. No error
// is reported: decoding stops at the first invalid character and the
// remaining bytes stay zero, so a string with no valid leading hex
// yields Zero.
func FromString(s string) OID {
	return plumbing.NewHash(s)
}

// IsZero reports whether o is the nonexistent object id.
func IsZero(o OID) bool {
	return o == Zero
}
