package radfetch

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/identity"
	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/sigrefs"
	"github.com/sourcehut-collab/radfetch/stage"
	"github.com/sourcehut-collab/radfetch/step"
	"github.com/sourcehut-collab/radfetch/transport"
	"github.com/sourcehut-collab/radfetch/validate"
)

// Result is the outcome of one Exchange.
type Result struct {
	Applied              refdb.Applied
	RequiresConfirmation bool
	Validation           map[pk.PublicKey][]validate.Warning
}

// Exchange runs one clone or pull against remote over stream:
// handshake, identity-anchor resolution, the verification-refs round,
// trust computation, the data-refs round, per-remote validation, and
// the protocol's end-of-interaction signal. One staging overlay
// accumulates updates from the verification-refs round and the
// data-refs round, with a real-refdb commit in between so the data
// round can observe the identities it just fetched.
func (h *Handle) Exchange(remote pk.PublicKey, stream transport.Stream, clone bool) (*Result, error) {
	if remote == h.Local {
		return nil, ErrReplicateSelf
	}

	snap, err := h.Refs.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("radfetch: snapshot: %w", err)
	}

	tr := transport.New(stream, h.Objects.Storer())
	h.setCurrent(tr)
	defer h.clearCurrent()

	// The protocol's capability advertisement always precedes the
	// first command on the wire, so the handshake has to come before
	// Clone's ls-refs/fetch round can rely on whatever capabilities
	// (e.g. side-band-64k) the remote advertised.
	if err := tr.Handshake(); err != nil {
		return nil, &HandshakeError{Err: err}
	}

	state := stage.New()

	var anchor identity.Identity
	if clone {
		tr.SetLimit(h.Options.Limit.Peek)
		cloneStep := &step.Clone{Remote: remote, Objects: h.Objects, Ids: h.Identities}
		if err := state.Run(snap, tr, refname.Classify, cloneStep); err != nil {
			return nil, fmt.Errorf("radfetch: clone: %w", err)
		}
		canonical, ok := state.CanonicalRadID()
		if !ok {
			return nil, ErrMissingRadId
		}
		anchor, err = h.Identities.Verified(canonical)
		if err != nil {
			return nil, &IdentityError{Err: err}
		}
	} else {
		anchor, err = h.loadAnchor(snap)
		if err != nil {
			return nil, err
		}
	}

	delegates := anchor.Delegates()
	if !clone {
		delegates = removeKey(delegates, h.Local)
	}

	tracked, err := h.Tracking.Tracked()
	if err != nil {
		return nil, fmt.Errorf("radfetch: tracked: %w", err)
	}

	trust := make(map[pk.PublicKey]bool, len(tracked.Remotes)+len(delegates))
	for r := range tracked.Remotes {
		trust[r] = false
	}
	for _, d := range delegates {
		trust[d] = true
	}

	tr.SetLimit(h.Options.Limit.Peek)
	verifyStep := &step.FetchVerificationRefs{
		Local:   h.Local,
		Trusted: trust,
		Scope:   tracked.Scope,
		Objects: h.Objects,
		Ids:     h.Identities,
		Log:     h.logger(),
	}
	if err := state.Run(snap, tr, refname.Classify, verifyStep); err != nil {
		return nil, fmt.Errorf("radfetch: verification refs: %w", err)
	}

	cached := stage.NewCached(state, snap, h.Sigrefs, h.Identities)
	remoteRefs, err := sigrefs.Load(cached, sigrefs.Select{Must: delegates, May: mayRemotes(trust)})
	if err != nil {
		return nil, fmt.Errorf("radfetch: sigrefs load: %w", err)
	}

	requiresConfirmation, err := h.requiresConfirmation(anchor, delegates, state)
	if err != nil {
		return nil, err
	}

	sig := h.Options.User.Signature(time.Now())

	// Commit only the rad/id/rad/sigrefs tips staged so far, then
	// discard the observed rad/id and rad/sigrefs tips so the data
	// round re-observes them against the refdb we just wrote.
	radTips := state.Tips()
	verificationApplied, err := h.commitPartition(radTips, 0, sig)
	if err != nil {
		return nil, err
	}
	state.ClearRadRefs()

	dataSnap, err := h.Refs.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("radfetch: snapshot: %w", err)
	}

	trustedManifests := make(map[pk.PublicKey]sigrefs.Sigrefs, len(remoteRefs.Remotes()))
	remoteRefs.Range(func(p pk.PublicKey, s sigrefs.Sigrefs) { trustedManifests[p] = s })

	tr.SetLimit(h.Options.Limit.Data)
	dataStep := &step.FetchDataRefs{Local: h.Local, Trusted: trustedManifests, Objects: h.Objects}
	if err := state.Run(dataSnap, tr, refname.Classify, dataStep); err != nil {
		return nil, fmt.Errorf("radfetch: data refs: %w", err)
	}

	dataApplied, err := h.commitPartition(state.Tips(), len(radTips), sig)
	if err != nil {
		return nil, err
	}

	finalSnap, err := h.Refs.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("radfetch: snapshot: %w", err)
	}

	validation := make(map[pk.PublicKey][]validate.Warning)
	for p, manifest := range trustedManifests {
		warnings, err := validate.Validate(finalSnap, p, &manifest)
		if err != nil {
			return nil, fmt.Errorf("radfetch: validate %s: %w", p, err)
		}
		if len(warnings) > 0 {
			validation[p] = warnings
		}
	}

	seen := make(map[pk.PublicKey]bool, len(trustedManifests))
	for p := range trustedManifests {
		seen[p] = true
	}
	// The local peer's own namespace has no manifest to check against.
	seen[h.Local] = true
	for _, orphan := range h.orphanNamespaces(finalSnap, seen) {
		warnings, err := validate.Validate(finalSnap, orphan, &sigrefs.Sigrefs{})
		if err != nil {
			return nil, fmt.Errorf("radfetch: validate %s: %w", orphan, err)
		}
		if len(warnings) > 0 {
			validation[orphan] = warnings
		}
	}

	if err := tr.Done(); err != nil {
		return nil, fmt.Errorf("radfetch: done: %w", err)
	}

	return &Result{
		Applied:              mergeApplied(verificationApplied, dataApplied),
		RequiresConfirmation: requiresConfirmation,
		Validation:           validation,
	}, nil
}

// loadAnchor resolves a pull's working identity from the refdb: the
// local peer's own namespaced rad/id tip, falling back to the
// canonical (non-namespaced) refs/rad/id.
func (h *Handle) loadAnchor(snap *refdb.Snapshot) (identity.Identity, error) {
	tip, err := snap.Peel(refname.RadId(h.Local).Namespaced())
	if err != nil {
		return nil, fmt.Errorf("radfetch: peel local rad/id: %w", err)
	}
	if oid.IsZero(tip) {
		if tip, err = snap.Peel(refname.RadID); err != nil {
			return nil, fmt.Errorf("radfetch: peel canonical rad/id: %w", err)
		}
	}
	if oid.IsZero(tip) {
		return nil, ErrMissingRadId
	}

	id, err := h.Identities.Verified(tip)
	if err != nil {
		return nil, &IdentityError{Err: err}
	}
	return id, nil
}

// requiresConfirmation reports whether the caller has to confirm an
// identity change before acting on it: only relevant when the local
// peer is itself a delegate of anchor, and only true when some other
// delegate's identity (observed this exchange) is chronologically
// newer than anchor.
func (h *Handle) requiresConfirmation(anchor identity.Identity, delegates []pk.PublicKey, state *stage.State) (bool, error) {
	if !identity.HasDelegate(anchor, h.Local) {
		return false, nil
	}

	var newest identity.Identity
	for _, d := range delegates {
		tip, ok := state.IdentityTip(d)
		if !ok {
			continue
		}
		id, err := h.Identities.Verified(tip)
		if err != nil {
			// Already surfaced as a hard failure by the
			// verification-refs step if d is a delegate; reaching
			// here with an error means the tip changed underfoot,
			// so simply exclude it from the comparison.
			continue
		}
		if newest == nil {
			newest = id
			continue
		}
		n, err := h.Identities.Newer(newest, id)
		if err != nil {
			return false, fmt.Errorf("radfetch: requires-confirmation: %w", err)
		}
		newest = n
	}

	if newest == nil || newest.Revision() == anchor.Revision() {
		return false, nil
	}
	n, err := h.Identities.Newer(anchor, newest)
	if err != nil {
		return false, fmt.Errorf("radfetch: requires-confirmation: %w", err)
	}
	return n.Revision() == newest.Revision(), nil
}

// commitPartition stages tips[from:] into a fresh transaction and
// commits it, attributing every update to sig's reflog signature.
// The batch is de-duplicated by refname first, last write winning --
// a clone stages a remote's specials and the verification-refs step
// may stage the same names again within the same batch. Returns a
// zero Applied if there is nothing new to commit.
func (h *Handle) commitPartition(tips []refdb.Edit, from int, sig refdb.Signature) (refdb.Applied, error) {
	if from >= len(tips) {
		return refdb.Applied{}, nil
	}

	batch := tips[from:]
	last := make(map[plumbing.ReferenceName]int, len(batch))
	for i, e := range batch {
		last[e.Name] = i
	}

	tx, err := h.Refs.Begin()
	if err != nil {
		return refdb.Applied{}, fmt.Errorf("radfetch: begin: %w", err)
	}
	for i, e := range batch {
		if last[e.Name] != i {
			continue
		}
		if err := tx.Stage(e); err != nil {
			return refdb.Applied{}, fmt.Errorf("radfetch: stage %s: %w", e.Name, err)
		}
	}
	tx.SetActor(sig)

	applied, err := tx.Commit(h.Objects)
	if err != nil {
		return refdb.Applied{}, fmt.Errorf("radfetch: commit: %w", err)
	}
	return *applied, nil
}

// orphanNamespaces reports every remote with refs under
// refs/namespaces/ not already covered by seen, sorted for
// deterministic iteration -- namespaces left behind by earlier
// exchanges still get validated.
func (h *Handle) orphanNamespaces(snap *refdb.Snapshot, seen map[pk.PublicKey]bool) []pk.PublicKey {
	refs, err := snap.Iter("refs/namespaces/")
	if err != nil {
		return nil
	}

	found := make(map[pk.PublicKey]bool)
	var out []pk.PublicKey
	for _, r := range refs {
		parsed, err := refname.Parse(r.Name)
		if err != nil {
			continue
		}
		rr, ok := parsed.AsRemoteRef()
		if !ok || seen[rr.Remote] || found[rr.Remote] {
			continue
		}
		found[rr.Remote] = true
		out = append(out, rr.Remote)
	}
	sort.Slice(out, func(i, j int) bool { return pk.Less(out[i], out[j]) })
	return out
}

func mayRemotes(trust map[pk.PublicKey]bool) []pk.PublicKey {
	var out []pk.PublicKey
	for r, isDelegate := range trust {
		if !isDelegate {
			out = append(out, r)
		}
	}
	return out
}

func removeKey(keys []pk.PublicKey, remove pk.PublicKey) []pk.PublicKey {
	out := make([]pk.PublicKey, 0, len(keys))
	for _, k := range keys {
		if k != remove {
			out = append(out, k)
		}
	}
	return out
}

func mergeApplied(a, b refdb.Applied) refdb.Applied {
	return refdb.Applied{
		Updated: append(append([]refdb.Updated{}, a.Updated...), b.Updated...),
		Skipped: append(append([]plumbing.ReferenceName{}, a.Skipped...), b.Skipped...),
	}
}
