// Package odb is the typed, read-only facade over a content-addressed
// object store: existence checks, typed object lookup, and a
// commit-ancestry walk with deliberately asymmetric semantics (equal
// OIDs are trivially "in ancestry"; a missing OID on either side is
// treated as "diverged", never an error).
//
// Backed by github.com/go-git/go-git/v5's storage.Storer, the same
// object-storage abstraction its storage/filesystem and
// storage/memory packages implement.
package odb

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"

	"github.com/sourcehut-collab/radfetch/oid"
)

// ErrMissingObject is returned when walking ancestry encounters a
// commit parent that resolves to an OID not present in the store.
var ErrMissingObject = errors.New("odb: missing object")

// ODB is the typed read-access facade over an object store.
type ODB struct {
	storer storage.Storer
}

// New wraps an existing storage.Storer (e.g. from storage/filesystem
// or storage/memory) as an ODB facade.
func New(storer storage.Storer) *ODB {
	return &ODB{storer: storer}
}

// Storer exposes the underlying storage.Storer, for collaborators
// (the transport adapter) that need to write objects directly rather
// than through this package's read-only facade.
func (o *ODB) Storer() storage.Storer {
	return o.storer
}

// Contains reports whether the object store has an object for oid.
func (o *ODB) Contains(id oid.OID) bool {
	_, err := o.storer.EncodedObject(plumbing.AnyObject, id)
	return err == nil
}

// TryFind returns the object at id, or (nil, nil) if it does not
// exist.
func (o *ODB) TryFind(id oid.OID) (plumbing.EncodedObject, error) {
	obj, err := o.storer.EncodedObject(plumbing.AnyObject, id)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("odb: try-find %s: %w", id, err)
	}
	return obj, nil
}

// IsInAncestryPath reports whether old is an ancestor of (or equal to)
// new, walking new's commit-parent graph depth-first.
//
// Policy (asymmetric on purpose -- callers that need "is new a
// descendant of old" semantics must test containment independently):
//   - new == old is trivially true.
//   - if either oid is missing from the store, the pair is treated as
//     diverged and false is returned (never an error) -- callers that
//     need to distinguish "diverged" from "missing" must check
//     Contains independently.
//   - otherwise walk commit ancestors from new, depth-first, until old
//     is found (true) or the walk is exhausted (false).
func (o *ODB) IsInAncestryPath(newOID, oldOID oid.OID) (bool, error) {
	if newOID == oldOID {
		return true, nil
	}
	if !o.Contains(newOID) || !o.Contains(oldOID) {
		return false, nil
	}

	start, err := object.GetCommit(o.storer, newOID)
	if err != nil {
		// new exists as *some* object but isn't a commit: cannot walk.
		return false, nil
	}

	seen := make(map[oid.OID]bool)
	stack := []*object.Commit{start}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true

		if c.Hash == oldOID {
			return true, nil
		}

		for _, parentHash := range c.ParentHashes {
			if seen[parentHash] {
				continue
			}
			parent, err := object.GetCommit(o.storer, parentHash)
			if err != nil {
				if errors.Is(err, plumbing.ErrObjectNotFound) {
					return false, fmt.Errorf("odb: ancestry walk from %s: parent %s: %w", newOID, parentHash, ErrMissingObject)
				}
				return false, fmt.Errorf("odb: ancestry walk from %s: %w", newOID, err)
			}
			stack = append(stack, parent)
		}
	}

	return false, nil
}
