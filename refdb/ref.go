// Package refdb is the ref database facade: a memory-mapped,
// mtime-versioned snapshot of packed refs plus loose refs, and a
// staged-transaction commit path that enforces non-fast-forward
// policy and symbolic/direct type-change rules.
package refdb

import (
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
)

// Ref is a single resolved reference: either a direct pointer to an
// object, or a symbolic pointer to another reference.
type Ref struct {
	Name   plumbing.ReferenceName
	Target oid.OID
	Symref plumbing.ReferenceName
}

// IsSymbolic reports whether r points at another reference rather than
// an object directly.
func (r Ref) IsSymbolic() bool { return r.Symref != "" }

func direct(name plumbing.ReferenceName, target oid.OID) Ref {
	return Ref{Name: name, Target: target}
}

func symbolic(name, target plumbing.ReferenceName) Ref {
	return Ref{Name: name, Symref: target}
}
