// Package refname implements the replication protocol's ref-name
// grammar: parsing and composing refs/namespaces/<peer>/... names and
// classifying the two special rad/ refs every namespace carries.
package refname

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/pk"
)

// RadID is the canonical, non-namespaced identity tip.
const RadID plumbing.ReferenceName = "refs/rad/id"

const (
	namespacesComponent = "namespaces"
	radComponent        = "rad"
	idComponent         = "id"
	sigrefsComponent    = "sigrefs"
)

var (
	// ErrNotQualified is returned for a refname with fewer than three
	// slash-separated components beginning with "refs/".
	ErrNotQualified = errors.New("refname: not qualified")
	// ErrNotNamespaced is returned when a non-namespaced name other
	// than refs/rad/id is parsed as a received ref.
	ErrNotNamespaced = errors.New("refname: not namespaced")
	// ErrMalformedSuffix is returned when the "rad" top-level category
	// is used with a tail that is neither "id" nor "sigrefs" alone.
	ErrMalformedSuffix = errors.New("refname: malformed rad/ suffix")
)

// Special identifies one of the two namespace-scoped refs that every
// remote peer publishes: its identity tip and its signed-refs
// manifest tip.
type Special int

const (
	// Id is refs/rad/id under a namespace.
	Id Special = iota
	// SignedRefs is refs/rad/sigrefs under a namespace.
	SignedRefs
)

func (s Special) String() string {
	switch s {
	case Id:
		return idComponent
	case SignedRefs:
		return sigrefsComponent
	default:
		return "unknown"
	}
}

// Qualified returns the non-namespaced qualified name for a special
// ref, e.g. refs/rad/id.
func (s Special) Qualified() plumbing.ReferenceName {
	switch s {
	case Id:
		return RadID
	case SignedRefs:
		return "refs/rad/sigrefs"
	default:
		panic("refname: invalid Special value")
	}
}

// RemoteRef is a reference scoped to a remote peer's namespace: either
// one of the two specials, or a generic qualified suffix.
type RemoteRef struct {
	Remote pk.PublicKey

	// IsSpecial is true iff this ref is rad/id or rad/sigrefs, in
	// which case Special holds which one and Suffix is the empty
	// ReferenceName.
	IsSpecial bool
	Special   Special

	// Suffix is the qualified name under the namespace when
	// IsSpecial is false, e.g. "refs/heads/main".
	Suffix plumbing.ReferenceName
}

// RadId builds the RemoteRef for remote's identity tip.
func RadId(remote pk.PublicKey) RemoteRef {
	return RemoteRef{Remote: remote, IsSpecial: true, Special: Id}
}

// RadSigrefs builds the RemoteRef for remote's signed-refs manifest tip.
func RadSigrefs(remote pk.PublicKey) RemoteRef {
	return RemoteRef{Remote: remote, IsSpecial: true, Special: SignedRefs}
}

// Generic builds a RemoteRef for a non-special qualified suffix under
// remote's namespace.
func Generic(remote pk.PublicKey, suffix plumbing.ReferenceName) RemoteRef {
	return RemoteRef{Remote: remote, Suffix: suffix}
}

// Qualified returns the suffix's qualified form irrespective of
// whether it is special.
func (r RemoteRef) Qualified() plumbing.ReferenceName {
	if r.IsSpecial {
		return r.Special.Qualified()
	}
	return r.Suffix
}

// Namespaced composes the full refs/namespaces/<remote>/<suffix> name.
func (r RemoteRef) Namespaced() plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("refs/namespaces/%s/%s", r.Remote.String(), trimRefsPrefix(r.Qualified())))
}

func trimRefsPrefix(n plumbing.ReferenceName) string {
	return strings.TrimPrefix(n.String(), "refs/")
}

// Refname is the parsed union of a received refname: either the
// canonical refs/rad/id, or a RemoteRef scoped to a namespace.
type Refname struct {
	IsRadId bool
	Remote  RemoteRef
}

// Parse classifies a received refname.
//
//  1. Non-namespaced: only refs/rad/id is legal; anything else is an
//     error.
//  2. Namespaced: decode the namespace component as a public key, then
//     classify the remainder as a Special or a generic Qualified name.
func Parse(name plumbing.ReferenceName) (Refname, error) {
	s := name.String()
	parts := strings.Split(s, "/")
	if len(parts) < 3 || parts[0] != "refs" {
		return Refname{}, fmt.Errorf("refname: %q: %w", s, ErrNotQualified)
	}

	if parts[1] != namespacesComponent {
		if name == RadID {
			return Refname{IsRadId: true}, nil
		}
		return Refname{}, fmt.Errorf("refname: %q: %w", s, ErrNotNamespaced)
	}

	if len(parts) < 4 {
		return Refname{}, fmt.Errorf("refname: %q: %w", s, ErrNotQualified)
	}

	remote, err := pk.Parse(parts[2])
	if err != nil {
		return Refname{}, fmt.Errorf("refname: %q: %w", s, err)
	}

	// Everything after refs/namespaces/<pk>/ is the suffix, itself a
	// qualified name (must start with "refs/").
	rest := parts[3:]
	if len(rest) < 2 || rest[0] != "refs" {
		return Refname{}, fmt.Errorf("refname: %q: %w", s, ErrNotQualified)
	}

	if rest[1] == radComponent {
		switch {
		case len(rest) == 3 && rest[2] == idComponent:
			return Refname{Remote: RadId(remote)}, nil
		case len(rest) == 3 && rest[2] == sigrefsComponent:
			return Refname{Remote: RadSigrefs(remote)}, nil
		default:
			return Refname{}, fmt.Errorf("refname: %q: %w", s, ErrMalformedSuffix)
		}
	}

	suffix := plumbing.ReferenceName(strings.Join(rest, "/"))
	return Refname{Remote: Generic(remote, suffix)}, nil
}

// AsRemoteRef reports the RemoteRef and true if name is namespaced
// (i.e. not the canonical refs/rad/id).
func (r Refname) AsRemoteRef() (RemoteRef, bool) {
	if r.IsRadId {
		return RemoteRef{}, false
	}
	return r.Remote, true
}

// Classify is the convenience form of Parse the exchange driver uses
// to bucket an advertised ref: a malformed or non-namespaced name,
// the canonical refs/rad/id included, reports ok=false.
func Classify(name plumbing.ReferenceName) (remote pk.PublicKey, isID, isSigrefs, ok bool) {
	parsed, err := Parse(name)
	if err != nil {
		return pk.PublicKey{}, false, false, false
	}
	if parsed.IsRadId {
		return pk.PublicKey{}, false, false, false
	}
	rr, _ := parsed.AsRemoteRef()
	if !rr.IsSpecial {
		return rr.Remote, false, false, true
	}
	return rr.Remote, rr.Special == Id, rr.Special == SignedRefs, true
}
