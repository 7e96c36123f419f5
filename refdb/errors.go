package refdb

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
)

// Kind classifies a refdb failure. A single error struct with a Kind
// tag, rather than an error type per failure, keeps callers'
// errors.As checks simple -- the variants carry nothing the formatted
// message can't express.
type Kind int

const (
	// Init failed to open or create the underlying ref storage.
	Init Kind = iota
	// Find failed while resolving a single reference.
	Find
	// Reload failed while refreshing a stale snapshot.
	Reload
	// Scan failed while iterating references.
	Scan
	// Commit failed while applying a transaction's updates.
	Commit
	// Missing means an update targets a reference that is required to
	// already exist (e.g. a non-force update with an expected old
	// value) but does not.
	Missing
	// NonFastForward means an update would move a reference backward
	// relative to its current value, and the active policy forbids it.
	NonFastForward
	// Prepare failed while validating a transaction before commit.
	Prepare
	// Revwalk failed while checking ancestry for a fast-forward
	// decision.
	Revwalk
	// TargetSymbolic means a direct update was attempted against a
	// reference that is currently symbolic.
	TargetSymbolic
	// TypeChange means an update would change a reference between
	// direct and symbolic, which requires an explicit type-change
	// update rather than a plain one.
	TypeChange
)

func (k Kind) String() string {
	switch k {
	case Init:
		return "init"
	case Find:
		return "find"
	case Reload:
		return "reload"
	case Scan:
		return "scan"
	case Commit:
		return "commit"
	case Missing:
		return "missing"
	case NonFastForward:
		return "non-fast-forward"
	case Prepare:
		return "prepare"
	case Revwalk:
		return "revwalk"
	case TargetSymbolic:
		return "target-symbolic"
	case TypeChange:
		return "type-change"
	default:
		return "unknown"
	}
}

// UpdateError reports a refdb failure, optionally scoped to a specific
// reference and carrying the wrapped cause.
type UpdateError struct {
	Kind Kind
	Name plumbing.ReferenceName
	Old  oid.OID
	New  oid.OID
	Err  error
}

func (e *UpdateError) Error() string {
	if e.Name == "" {
		if e.Err != nil {
			return fmt.Sprintf("refdb: %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("refdb: %s", e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("refdb: %s %s: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("refdb: %s %s (old=%s new=%s)", e.Kind, e.Name, e.Old, e.New)
}

func (e *UpdateError) Unwrap() error { return e.Err }
