package step

import (
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/identity"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/stage"
)

// Clone bootstraps a brand-new local repository from a single remote:
// it asks for nothing but the canonical refs/rad/id, and stages that
// tip, plus the remote's specials should the remote advertise them
// alongside, only once the identity document the canonical tip
// resolves to names the remote as a delegate. Requiring the namespaced specials
// themselves is the verification-refs step's job.
type Clone struct {
	Remote  pk.PublicKey
	Objects ObjectChecker
	Ids     identity.Oracle
}

var _ stage.Step = (*Clone)(nil)

func (c *Clone) LsRefs() []string {
	return []string{refname.RadID.String()}
}

// RefFilter keeps the canonical refs/rad/id verbatim -- refname.Classify
// rejects it as not-namespaced, so it is special-cased ahead of that
// check -- plus the remote's own namespaced specials.
func (c *Clone) RefFilter(ref stage.AdvertisedRef) (stage.AdvertisedRef, plumbing.ReferenceName, bool) {
	if ref.Name == refname.RadID {
		return ref, ref.Name, true
	}
	remote, isID, isSigrefs, ok := refname.Classify(ref.Name)
	if !ok || remote != c.Remote || !(isID || isSigrefs) {
		return stage.AdvertisedRef{}, "", false
	}
	return ref, ref.Name, true
}

// PreValidate requires exactly the canonical refs/rad/id among the
// received refs: without the anchor identity a clone cannot proceed,
// but a remote that has not yet published its namespaced specials is
// still a legal (if empty) clone source.
func (c *Clone) PreValidate(refs []stage.AdvertisedRef) error {
	return ensureRefs([]plumbing.ReferenceName{refname.RadID}, refs)
}

func (c *Clone) WantsHaves(snap *refdb.Snapshot, refs []stage.AdvertisedRef) (*stage.WantsHaves, error) {
	return wantsFor(c.Objects, snap, refs)
}

// Prepare verifies the canonical rad/id tip -- recorded by stage.Run
// from the kept, unclassified refs/rad/id ref, not a namespaced
// per-remote IdentityTip -- and, only if the initiating remote is a
// delegate of that identity, stages every received ref (the canonical
// anchor and the remote's namespaced specials alike).
func (c *Clone) Prepare(state *stage.State, _ *refdb.Snapshot, refs []stage.AdvertisedRef) (stage.Updates, error) {
	canonical, ok := state.CanonicalRadID()
	if !ok {
		return stage.Updates{}, nil
	}

	verified, err := c.Ids.Verified(canonical)
	if err != nil {
		return stage.Updates{}, err
	}
	if !identity.HasDelegate(verified, c.Remote) {
		return stage.Updates{}, nil
	}

	var edits []refdb.Edit
	for _, r := range refs {
		if r.Name != refname.RadID {
			_, isID, isSigrefs, ok := refname.Classify(r.Name)
			if !ok || !(isID || isSigrefs) {
				continue
			}
		}
		edits = append(edits, refdb.Edit{
			Name:   r.Name,
			New:    refdb.Ref{Target: r.Tip},
			Policy: refdb.Abort,
		})
	}
	return stage.Updates{Tips: edits}, nil
}
