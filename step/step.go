// Package step implements the concrete exchange phases the driver
// runs in sequence: Clone (bootstrapping a brand-new repository from
// one remote), FetchVerificationRefs (collecting every trusted
// remote's identity and signed-refs tips before deciding what else to
// trust), and FetchDataRefs (fetching and pruning the actual content
// refs a signed manifest vouches for).
package step

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/stage"
)

// ensureRefs, wantsFor, and specialRefs below are small helpers shared
// by Clone, FetchVerificationRefs, and FetchDataRefs.

// ObjectChecker is the narrow capability steps need from the object
// store: whether a tip is already present, so it can be left out of
// the wants set, and whether one commit is an ancestor of another, to
// suppress re-advertising a ref that only fast-forwarded. odb.ODB
// satisfies this by structure.
type ObjectChecker interface {
	Contains(id oid.OID) bool
	IsInAncestryPath(newOID, oldOID oid.OID) (bool, error)
}

// LayoutError reports that a step's required refs were not all
// advertised by the remote.
type LayoutError struct {
	Missing []plumbing.ReferenceName
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("step: missing required refs: %v", e.Missing)
}

func specialRefs(remote pk.PublicKey) []plumbing.ReferenceName {
	return []plumbing.ReferenceName{
		refname.RadId(remote).Namespaced(),
		refname.RadSigrefs(remote).Namespaced(),
	}
}

func ensureRefs(required []plumbing.ReferenceName, got []stage.AdvertisedRef) error {
	have := make(map[plumbing.ReferenceName]bool, len(got))
	for _, r := range got {
		have[r.Name] = true
	}

	var missing []plumbing.ReferenceName
	for _, name := range required {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &LayoutError{Missing: missing}
	}
	return nil
}

// wantsFor assembles a round's wants and haves: for each received
// ref, look up the current OID in snap. If present, record
// it as a have; a want is issued iff the received OID differs from
// the current one and is not already in the object store;
// additionally, if the current OID is an ancestor of the received
// tip, the received tip is also recorded as a have, suppressing its
// re-advertisement. If the ref has no current OID, a want is issued
// iff the tip is not already in the object store. The final wants set
// excludes anything in haves; the result is nil if wants ends up
// empty.
func wantsFor(objects ObjectChecker, snap *refdb.Snapshot, refs []stage.AdvertisedRef) (*stage.WantsHaves, error) {
	var wants, haves []oid.OID
	for _, r := range refs {
		current, err := snap.Peel(r.Name)
		if err != nil {
			return nil, fmt.Errorf("step: peel %s: %w", r.Name, err)
		}

		if oid.IsZero(current) {
			if !objects.Contains(r.Tip) {
				wants = append(wants, r.Tip)
			}
			continue
		}

		haves = append(haves, current)
		if current == r.Tip {
			continue
		}

		isAncestor, err := objects.IsInAncestryPath(r.Tip, current)
		if err != nil {
			return nil, fmt.Errorf("step: ancestry %s: %w", r.Name, err)
		}
		if isAncestor {
			haves = append(haves, r.Tip)
			continue
		}

		if !objects.Contains(r.Tip) {
			wants = append(wants, r.Tip)
		}
	}

	wants = excludeHaves(wants, haves)
	if len(wants) == 0 {
		return nil, nil
	}
	return &stage.WantsHaves{Wants: wants, Haves: haves}, nil
}

func excludeHaves(wants, haves []oid.OID) []oid.OID {
	haveSet := make(map[oid.OID]bool, len(haves))
	for _, h := range haves {
		haveSet[h] = true
	}
	out := wants[:0]
	for _, w := range wants {
		if !haveSet[w] {
			out = append(out, w)
		}
	}
	return out
}
