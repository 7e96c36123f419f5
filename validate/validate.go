// Package validate implements post-fetch validation: comparing what
// actually landed in a remote's namespace against what its
// signed-refs manifest vouches for, and producing a list of
// non-fatal warnings rather than failing outright -- callers decide
// what to do with a mismatch (most policies treat some warnings as
// fatal and others as informational).
package validate

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/sigrefs"
)

// Kind enumerates the warning variants validate can produce.
type Kind int

const (
	// AdditionalRef is a ref present under the namespace that the
	// manifest never mentions.
	AdditionalRef Kind = iota
	// BadRef is a ref under the namespace that doesn't parse against
	// the refname grammar at all.
	BadRef
	// MismatchedRef is a ref whose tip differs from what the manifest
	// (or, for refs/rad/sigrefs itself, the manifest's own anchor)
	// says it should be.
	MismatchedRef
	// MissingRadId means the namespace has no refs/rad/id.
	MissingRadId
	// MissingRadSigRefs means the namespace has no refs/rad/sigrefs.
	MissingRadSigRefs
	// MissingRef is a ref the manifest vouches for that was never
	// observed under the namespace.
	MissingRef
	// NoData means nothing at all was found under the namespace.
	NoData
)

// Warning is one validation finding.
type Warning struct {
	Kind     Kind
	Remote   pk.PublicKey
	Refname  plumbing.ReferenceName
	Expected oid.OID
	Actual   oid.OID
	Err      error
}

func (w Warning) Error() string {
	switch w.Kind {
	case AdditionalRef:
		return fmt.Sprintf("%s was not found in the signed refs", w.Refname)
	case BadRef:
		return fmt.Sprintf("%q is malformed: %v", w.Refname, w.Err)
	case MismatchedRef:
		return fmt.Sprintf("%s: expected %s, but found %s", w.Refname, w.Expected, w.Actual)
	case MissingRadId:
		return fmt.Sprintf("missing refs/namespaces/%s/refs/rad/id", w.Remote)
	case MissingRadSigRefs:
		return fmt.Sprintf("missing refs/namespaces/%s/refs/rad/sigrefs", w.Remote)
	case MissingRef:
		return fmt.Sprintf("missing refs/namespaces/%s/%s", w.Remote, w.Refname)
	case NoData:
		return fmt.Sprintf("no references found for %s", w.Remote)
	default:
		return "unknown validation warning"
	}
}

// Scanner is the narrow refdb read surface Validate needs: every ref
// currently under a namespace prefix, plus resolving any one of them
// to a final object id (Iter's Ref.Target is unpeeled and empty for a
// symbolic ref, so every comparison against a manifest's signed OID
// goes through Peel instead). *refdb.Snapshot satisfies this by
// structure.
type Scanner interface {
	Iter(prefix plumbing.ReferenceName) ([]refdb.Ref, error)
	Peel(name plumbing.ReferenceName) (oid.OID, error)
}

// Validate compares remote's refs, as currently observed in snap under
// its namespace, against manifest, returning every discrepancy found.
// An empty result means the namespace matches the manifest exactly.
func Validate(snap Scanner, remote pk.PublicKey, manifest *sigrefs.Sigrefs) ([]Warning, error) {
	prefix := plumbing.ReferenceName(fmt.Sprintf("refs/namespaces/%s/", remote.String()))
	refs, err := snap.Iter(prefix)
	if err != nil {
		return nil, fmt.Errorf("validate: scan %s: %w", remote, err)
	}

	var (
		warnings      []Warning
		seen          = make(map[plumbing.ReferenceName]bool)
		hasRadID      bool
		hasRadSigrefs bool
		hasData       bool
	)

	for _, r := range refs {
		hasData = true

		parsed, err := refname.Parse(r.Name)
		if err != nil {
			warnings = append(warnings, Warning{Kind: BadRef, Remote: remote, Refname: r.Name, Err: err})
			continue
		}
		rr, ok := parsed.AsRemoteRef()
		if !ok || rr.Remote != remote {
			continue
		}

		if rr.IsSpecial {
			switch rr.Special {
			case refname.Id:
				hasRadID = true
				seen[rr.Qualified()] = true
			case refname.SignedRefs:
				hasRadSigrefs = true
				seen[rr.Qualified()] = true
				actual, perr := snap.Peel(r.Name)
				if perr != nil {
					return nil, fmt.Errorf("validate: peel %s: %w", r.Name, perr)
				}
				if actual != manifest.At {
					warnings = append(warnings, Warning{
						Kind: MismatchedRef, Remote: remote, Refname: rr.Qualified(),
						Expected: manifest.At, Actual: actual,
					})
				}
			}
			continue
		}

		seen[rr.Suffix] = true
		tip, inManifest := manifest.Refs[rr.Suffix]
		actual, perr := snap.Peel(r.Name)
		if perr != nil {
			return nil, fmt.Errorf("validate: peel %s: %w", r.Name, perr)
		}
		switch {
		case !inManifest:
			warnings = append(warnings, Warning{Kind: AdditionalRef, Remote: remote, Refname: rr.Suffix})
		case tip != actual:
			warnings = append(warnings, Warning{
				Kind: MismatchedRef, Remote: remote, Refname: rr.Suffix,
				Expected: tip, Actual: actual,
			})
		}
	}

	if !hasData {
		return append(warnings, Warning{Kind: NoData, Remote: remote}), nil
	}

	if !hasRadID {
		warnings = append(warnings, Warning{Kind: MissingRadId, Remote: remote})
	}
	if !hasRadSigrefs {
		warnings = append(warnings, Warning{Kind: MissingRadSigRefs, Remote: remote})
	}
	for name := range manifest.Refs {
		if !seen[name] {
			warnings = append(warnings, Warning{Kind: MissingRef, Remote: remote, Refname: name})
		}
	}

	return warnings, nil
}
