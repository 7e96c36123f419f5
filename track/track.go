// Package track holds the tracking-policy data model. Persistent
// storage of this policy is an external collaborator; this package
// only defines the shape the core reads through a narrow capability
// interface (a single accessor, no add/remove mutation visible to the
// core).
package track

import (
	"github.com/sourcehut-collab/radfetch/pk"
)

// Scope selects which remotes the local peer replicates from.
type Scope int

const (
	// All tracks every remote the replication protocol observes.
	All Scope = iota
	// Trusted tracks only administratively trusted remotes plus
	// identity delegates.
	Trusted
)

// Tracked is the tracking policy: a scope plus the administratively
// trusted peer set. Identity delegates are read separately and
// unioned in by callers to form the effective trust set.
type Tracked struct {
	Scope   Scope
	Remotes map[pk.PublicKey]struct{}
}

// Contains reports whether remote is in the administratively trusted
// set (not accounting for delegation).
func (t Tracked) Contains(remote pk.PublicKey) bool {
	_, ok := t.Remotes[remote]
	return ok
}

// Oracle is the narrow, stateless capability the core replication
// engine uses to read tracking policy. Implementations own their
// storage; the core never assumes anything about how tracked() is
// computed.
type Oracle interface {
	// Tracked returns the administratively trusted peer set.
	Tracked() (Tracked, error)
}
