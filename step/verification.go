package step

import (
	"fmt"
	"log"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/identity"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/stage"
	"github.com/sourcehut-collab/radfetch/track"
)

// VerificationError reports that a remote's observed refs/rad/id tip
// failed identity verification. This aborts the
// exchange only when the remote is a delegate; a non-delegate failure
// is handled by Prepare as a taint (both of that remote's specials
// are silently dropped) rather than by returning this error.
type VerificationError struct {
	Remote pk.PublicKey
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("step: verification failed for %s: %v", e.Remote, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// FetchVerificationRefs collects every trusted remote's identity and
// signed-refs tips (excluding the local peer itself) so the driver
// can compute each remote's effective trust before fetching any
// content.
//
// Trusted maps each candidate remote to whether it is a delegate of
// the working identity. Prepare verifies each remote's observed
// rad/id tip through Ids before staging anything for that remote: a
// delegate that fails verification aborts the step (*VerificationError*);
// a non-delegate that fails is tainted -- both its rad/id and
// rad/sigrefs updates are dropped, never just one (the pairing
// invariant: a remote contributes 0 or 2 updates, never 1).
// Surviving delegate tips are staged with Abort (a delegate regressing
// is a hard error); non-delegate tips with Reject (silently dropped at
// commit rather than aborting the whole exchange).
type FetchVerificationRefs struct {
	Local   pk.PublicKey
	Trusted map[pk.PublicKey]bool
	Scope   track.Scope
	Objects ObjectChecker
	Ids     identity.Oracle

	// Log receives the non-fatal "tainted non-delegate" notices; nil
	// drops them.
	Log *log.Logger
}

var _ stage.Step = (*FetchVerificationRefs)(nil)

// requiredRefs is the set of specials PreValidate treats as mandatory:
// only delegates -- tracked-only remotes may simply be absent without
// aborting the exchange.
func (f *FetchVerificationRefs) requiredRefs() []plumbing.ReferenceName {
	var out []plumbing.ReferenceName
	for remote, isDelegate := range f.Trusted {
		if remote == f.Local || !isDelegate {
			continue
		}
		out = append(out, specialRefs(remote)...)
	}
	return out
}

// LsRefs asks for the single "refs/namespaces" prefix when Scope is
// track.All, letting the remote advertise every namespace it has
// rather than enumerating one by one; otherwise it asks only for the
// specials of each remote in Trusted.
func (f *FetchVerificationRefs) LsRefs() []string {
	if f.Scope == track.All {
		return []string{"refs/namespaces"}
	}

	var out []string
	for remote := range f.Trusted {
		if remote == f.Local {
			continue
		}
		for _, n := range specialRefs(remote) {
			out = append(out, n.String())
		}
	}
	return out
}

// RefFilter keeps namespaced specials for every remote but the local
// peer. Under track.Trusted scope it further restricts to remotes
// already named in Trusted (administratively tracked or a delegate);
// under track.All, Trusted is only used downstream to classify a
// remote as delegate-or-not, not to gate which remotes are considered
// at all.
func (f *FetchVerificationRefs) RefFilter(ref stage.AdvertisedRef) (stage.AdvertisedRef, plumbing.ReferenceName, bool) {
	remote, isID, isSigrefs, ok := refname.Classify(ref.Name)
	if !ok || remote == f.Local || !(isID || isSigrefs) {
		return stage.AdvertisedRef{}, "", false
	}
	if f.Scope != track.All {
		if _, tracked := f.Trusted[remote]; !tracked {
			return stage.AdvertisedRef{}, "", false
		}
	}
	return ref, ref.Name, true
}

func (f *FetchVerificationRefs) PreValidate(refs []stage.AdvertisedRef) error {
	return ensureRefs(f.requiredRefs(), refs)
}

func (f *FetchVerificationRefs) WantsHaves(snap *refdb.Snapshot, refs []stage.AdvertisedRef) (*stage.WantsHaves, error) {
	return wantsFor(f.Objects, snap, refs)
}

func (f *FetchVerificationRefs) Prepare(state *stage.State, _ *refdb.Snapshot, refs []stage.AdvertisedRef) (stage.Updates, error) {
	byRemote := make(map[pk.PublicKey][]stage.AdvertisedRef)
	for _, r := range refs {
		remote, isID, isSigrefs, ok := refname.Classify(r.Name)
		if !ok || !(isID || isSigrefs) {
			continue
		}
		byRemote[remote] = append(byRemote[remote], r)
	}

	var edits []refdb.Edit
	for remote := range byRemote {
		if remote == f.Local {
			continue
		}
		// Absent from Trusted means "not a delegate" (the zero value
		// of bool), which is exactly the taint-eligible, Reject-policy
		// branch below -- covers both a Scope.Trusted remote that
		// somehow slipped through and any remote only seen because
		// Scope.All asked for every namespace.
		isDelegate := f.Trusted[remote]

		idTip, ok := state.IdentityTip(remote)
		if !ok {
			continue
		}

		if _, err := f.Ids.Verified(idTip); err != nil {
			if isDelegate {
				return stage.Updates{}, &VerificationError{Remote: remote, Err: err}
			}
			// Non-delegate: taint, drop this remote's specials
			// entirely rather than aborting the exchange.
			if f.Log != nil {
				f.Log.Printf("step: dropping refs of %s: identity verification failed: %v", remote, err)
			}
			continue
		}

		pair := byRemote[remote]
		if len(pair) != 2 {
			// Pairing invariant: a remote contributes 0 or 2
			// updates, never 1.
			continue
		}

		policy := refdb.Reject
		if isDelegate {
			policy = refdb.Abort
		}
		for _, r := range pair {
			edits = append(edits, refdb.Edit{Name: r.Name, New: refdb.Ref{Target: r.Tip}, Policy: policy})
		}
	}

	return stage.Updates{Tips: edits}, nil
}
