package step

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/sigrefs"
	"github.com/sourcehut-collab/radfetch/stage"
)

// FetchDataRefs fetches the content refs named by a set of trusted
// remotes' signed-refs manifests and prunes any ref presently in the
// remote's namespace that the manifest no longer vouches for -- except
// refs/rad/* refs, which are never subject to pruning here (their
// lifecycle is owned by the verification-refs step).
//
// Its ls-refs round asks for each trusted remote's specials again:
// the overlay's observed rad/id and rad/sigrefs tips were cleared
// when the verification batch committed, and this round re-observes
// them fresh rather than trusting the earlier advertisement.
type FetchDataRefs struct {
	Local   pk.PublicKey
	Trusted map[pk.PublicKey]sigrefs.Sigrefs
	Objects ObjectChecker
}

var _ stage.Step = (*FetchDataRefs)(nil)

// LsRefs asks for the specials of every remote whose manifest made it
// into Trusted.
func (r *FetchDataRefs) LsRefs() []string {
	var out []string
	for remote := range r.Trusted {
		if remote == r.Local {
			continue
		}
		for _, n := range specialRefs(remote) {
			out = append(out, n.String())
		}
	}
	return out
}

// RefFilter retains only the namespaced specials of trusted remotes.
func (r *FetchDataRefs) RefFilter(ref stage.AdvertisedRef) (stage.AdvertisedRef, plumbing.ReferenceName, bool) {
	remote, isID, isSigrefs, ok := refname.Classify(ref.Name)
	if !ok || remote == r.Local || !(isID || isSigrefs) {
		return stage.AdvertisedRef{}, "", false
	}
	if _, trusted := r.Trusted[remote]; !trusted {
		return stage.AdvertisedRef{}, "", false
	}
	return ref, ref.Name, true
}

func (*FetchDataRefs) PreValidate([]stage.AdvertisedRef) error { return nil }

// WantsHaves synthesizes one AdvertisedRef per (remote, refname, tip)
// named by a trusted manifest, ahead of whatever the ls-refs round
// advertised, and runs them all through the same
// have/want/ancestor-suppression algorithm every other step uses.
func (r *FetchDataRefs) WantsHaves(snap *refdb.Snapshot, refs []stage.AdvertisedRef) (*stage.WantsHaves, error) {
	var all []stage.AdvertisedRef
	for remoteID, manifest := range r.Trusted {
		for name, tip := range manifest.Refs {
			all = append(all, stage.AdvertisedRef{
				Name: refname.Generic(remoteID, name).Namespaced(),
				Tip:  tip,
			})
		}
	}
	all = append(all, refs...)
	return wantsFor(r.Objects, snap, all)
}

func (r *FetchDataRefs) Prepare(_ *stage.State, snap *refdb.Snapshot, _ []stage.AdvertisedRef) (stage.Updates, error) {
	var edits []refdb.Edit

	for remoteID, manifest := range r.Trusted {
		signed := make(map[plumbing.ReferenceName]bool, len(manifest.Refs))
		for name, tip := range manifest.Refs {
			tracking := refname.Generic(remoteID, name).Namespaced()
			signed[tracking] = true
			edits = append(edits, refdb.Edit{
				Name:   tracking,
				New:    refdb.Ref{Target: tip},
				Policy: refdb.Allow,
			})
		}

		prefix := plumbing.ReferenceName(fmt.Sprintf("refs/namespaces/%s/", remoteID.String()))
		prefixRad := prefix + "refs/rad"

		known, err := snap.Iter(prefix)
		if err != nil {
			return stage.Updates{}, err
		}
		for _, k := range known {
			if strings.HasPrefix(k.Name.String(), prefixRad.String()) {
				continue
			}
			if signed[k.Name] {
				continue
			}
			old := k
			edits = append(edits, refdb.Edit{Name: k.Name, Old: &old, New: refdb.Ref{}})
		}
	}

	return stage.Updates{Tips: edits}, nil
}
