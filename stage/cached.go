package stage

import (
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/identity"
	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/sigrefs"
)

// Cached is a read view that checks the staging overlay before
// falling back to the real collaborators -- the refdb snapshot, the
// sigrefs store, and the identity oracle: overlay-first for refname
// resolution and for sigrefs loaded mid-exchange, but identity
// verification always defers to the real oracle since identity
// documents are never staged.
type Cached struct {
	state *State
	snap  *refdb.Snapshot
	store sigrefs.Store
	ids   identity.Oracle
}

// NewCached builds a Cached view over state, backed by snap for
// refname resolution, store for sigrefs, and ids for identity
// verification.
func NewCached(state *State, snap *refdb.Snapshot, store sigrefs.Store, ids identity.Oracle) *Cached {
	return &Cached{state: state, snap: snap, store: store, ids: ids}
}

// RefnameToID resolves name to an object id, preferring the staging
// overlay over the real refdb.
func (c *Cached) RefnameToID(name plumbing.ReferenceName) (oid.OID, bool, error) {
	if r, ok := c.state.find(name); ok {
		return r.Target, true, nil
	}
	r, err := c.snap.Find(name)
	if err != nil {
		return oid.Zero, false, err
	}
	if r == nil {
		return oid.Zero, false, nil
	}
	return r.Target, true, nil
}

// CanonicalRadID returns the overlay's observed refs/rad/id tip.
func (c *Cached) CanonicalRadID() (oid.OID, bool) {
	return c.state.CanonicalRadID()
}

// Load implements sigrefs.Store, preferring the tip recorded in the
// overlay during this exchange (loading precisely that commit) over
// whatever the backing store considers the remote's current tip.
func (c *Cached) Load(remote pk.PublicKey) (*sigrefs.Sigrefs, error) {
	if tip, ok := c.state.SigrefTip(remote); ok {
		return c.store.LoadAt(tip, remote)
	}
	return c.store.Load(remote)
}

// LoadAt always defers to the backing store: a caller asking for a
// specific commit already knows exactly what it wants.
func (c *Cached) LoadAt(tip oid.OID, remote pk.PublicKey) (*sigrefs.Sigrefs, error) {
	return c.store.LoadAt(tip, remote)
}

// Verified always defers to the backing identity oracle.
func (c *Cached) Verified(head oid.OID) (identity.Identity, error) {
	return c.ids.Verified(head)
}

// Newer always defers to the backing identity oracle.
func (c *Cached) Newer(a, b identity.Identity) (identity.Identity, error) {
	return c.ids.Newer(a, b)
}
