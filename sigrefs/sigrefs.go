// Package sigrefs implements the signed-refs manifest model:
// per-remote (refname -> oid) manifests cryptographically bound to
// the remote's key, and the Select/Load algorithm for gathering them
// across a set of remotes -- a missing "must" remote is promoted to a
// NotFound error, a missing "may" remote is silently dropped.
package sigrefs

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
)

// Sigrefs is one remote's signed manifest: the refname->oid pairs it
// vouches for, and the commit oid of the refs/rad/sigrefs tip the
// manifest was loaded from.
type Sigrefs struct {
	At   oid.OID
	Refs map[plumbing.ReferenceName]oid.OID
}

// Store reads a remote's signed-refs manifest, either inferring the
// tip from the refdb (Load) or loading a specific commit (LoadAt).
// Verification that the manifest is bound to the remote's key is
// delegated to the implementation.
type Store interface {
	// Load returns the remote's manifest, or nil if none exists.
	Load(remote pk.PublicKey) (*Sigrefs, error)
	// LoadAt returns the manifest at the specific tip commit, or nil
	// if the commit does not contain a valid manifest.
	LoadAt(tip oid.OID, remote pk.PublicKey) (*Sigrefs, error)
}

// NotFoundError is returned by Load when a "must" remote has no
// signed-refs manifest.
type NotFoundError struct {
	Remote pk.PublicKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sigrefs: signed refs of %s not found", e.Remote)
}

// ErrNotFound is the sentinel NotFoundError wraps, for errors.Is checks.
var ErrNotFound = errors.New("sigrefs: not found")

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Select describes which remotes' manifests are mandatory (must) and
// which are best-effort (may).
type Select struct {
	Must []pk.PublicKey
	May  []pk.PublicKey
}

// RemoteRefs is the combined product of loading Select.Must and
// Select.May from a Store, keyed by remote so iteration order is
// stable (sorted by public key).
type RemoteRefs struct {
	order  []pk.PublicKey
	byPeer map[pk.PublicKey]Sigrefs
}

// Get returns the manifest for remote, if present.
func (r *RemoteRefs) Get(remote pk.PublicKey) (Sigrefs, bool) {
	s, ok := r.byPeer[remote]
	return s, ok
}

// Remotes returns the set of remotes present, in stable order.
func (r *RemoteRefs) Remotes() []pk.PublicKey {
	out := make([]pk.PublicKey, len(r.order))
	copy(out, r.order)
	return out
}

// Range calls f for each remote's manifest, in stable key order.
func (r *RemoteRefs) Range(f func(pk.PublicKey, Sigrefs)) {
	for _, p := range r.order {
		f(p, r.byPeer[p])
	}
}

func (r *RemoteRefs) insert(p pk.PublicKey, s Sigrefs) {
	if r.byPeer == nil {
		r.byPeer = make(map[pk.PublicKey]Sigrefs)
	}
	if _, exists := r.byPeer[p]; !exists {
		r.order = append(r.order, p)
	}
	r.byPeer[p] = s
}

// Load loads the product of sel.Must and sel.May from store. Every
// remote in Must that has no manifest is a fatal *NotFoundError; every
// remote in May that has no manifest is silently dropped.
func Load(store Store, sel Select) (*RemoteRefs, error) {
	out := &RemoteRefs{}

	for _, remote := range sel.Must {
		sr, err := store.Load(remote)
		if err != nil {
			return nil, err
		}
		if sr == nil {
			return nil, &NotFoundError{Remote: remote}
		}
		out.insert(remote, *sr)
	}

	for _, remote := range sel.May {
		sr, err := store.Load(remote)
		if err != nil {
			return nil, err
		}
		if sr == nil {
			continue
		}
		out.insert(remote, *sr)
	}

	sortByKey(out.order)
	return out, nil
}

func sortByKey(keys []pk.PublicKey) {
	sort.Slice(keys, func(i, j int) bool { return pk.Less(keys[i], keys[j]) })
}
