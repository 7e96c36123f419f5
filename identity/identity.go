// Package identity defines the narrow, stateless capability
// interfaces the replication core uses to verify identity documents
// and compare them chronologically. Identity document semantics
// (signature checking, delegate-set extraction, history comparison)
// are delegated to the caller's implementation; this package only
// describes the contract.
package identity

import (
	"errors"
	"fmt"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
)

// ErrFork is returned by Oracle.Newer when two identity histories are
// unrelated: neither is a descendant of the other.
var ErrFork = errors.New("identity: histories are forked")

// ForkError carries the two diverging identities for callers that
// need to report both sides.
type ForkError struct {
	Left, Right Identity
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("identity: forked histories %s and %s", e.Left.ContentID(), e.Right.ContentID())
}

func (e *ForkError) Unwrap() error { return ErrFork }

// Identity is a verified identity document.
type Identity interface {
	// ContentID is the identity document's own content address.
	ContentID() oid.OID
	// Revision is the identity's current revision marker.
	Revision() oid.OID
	// Delegates is the non-empty set of public keys the document
	// designates as authoritative.
	Delegates() []pk.PublicKey
}

// Oracle verifies identity documents and orders them chronologically.
// Implementations are expected to use repository state; the core
// never owns or assumes shared mutable state between Oracle calls.
type Oracle interface {
	// Verified returns the verified identity document found at head.
	Verified(head oid.OID) (Identity, error)
	// Newer returns whichever of a or b is chronologically newer, or a
	// *ForkError if their histories are unrelated.
	Newer(a, b Identity) (Identity, error)
}

// HasDelegate reports whether remote is among id's delegates.
func HasDelegate(id Identity, remote pk.PublicKey) bool {
	for _, d := range id.Delegates() {
		if d == remote {
			return true
		}
	}
	return false
}
