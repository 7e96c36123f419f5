// Package stage implements the in-memory staging overlay the
// exchange driver accumulates updates into before anything is
// committed to the real ref database, plus the Step abstraction the
// driver runs against it: a write-through overlay recording every ref
// update seen so far, special-ref bookkeeping (rad/id, rad/sigrefs
// tips observed per remote), and a Cached read view that checks the
// overlay before falling back to the real refdb/identity/sigrefs
// collaborators.
package stage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
)

// AdvertisedRef is one ref as advertised by a remote during ls-refs,
// before it has been classified against the local namespace grammar.
type AdvertisedRef struct {
	Name plumbing.ReferenceName
	Tip  oid.OID
}

// WantsHaves is the negotiated set of object ids to request (wants)
// and already-possessed object ids to advertise (haves) for a fetch
// round.
type WantsHaves struct {
	Wants []oid.OID
	Haves []oid.OID
}

// Has reports whether o was already possessed before this round (i.e.
// is in Haves), used to decide whether a special ref's tip is "new".
func (wh WantsHaves) Has(o oid.OID) bool {
	for _, h := range wh.Haves {
		if h == o {
			return true
		}
	}
	return false
}

// Updates is the set of ref updates a Step wants applied to the
// overlay after its pack has been fetched.
type Updates struct {
	Tips []refdb.Edit
}

// Step is one phase of the replication exchange: Clone, verification
// refs, or data refs. A Step only ever sees what it
// asked for via LsRefs/RefFilter, and only ever proposes updates via
// Prepare -- the committing itself is the driver's job.
type Step interface {
	// LsRefs returns the ref-prefixes to ask the remote to advertise,
	// or nil to skip ls-refs for this step entirely.
	LsRefs() []string

	// RefFilter classifies and optionally keeps one advertised ref.
	// Returning ok=false drops the ref from this step's view.
	RefFilter(ref AdvertisedRef) (kept AdvertisedRef, name plumbing.ReferenceName, ok bool)

	// PreValidate checks that the refs received satisfy the step's
	// layout requirements (e.g. every required special ref is
	// present) before any network fetch is attempted.
	PreValidate(refs []AdvertisedRef) error

	// WantsHaves negotiates what to fetch, given the current refdb
	// snapshot and the refs this step kept. Returning a nil
	// *WantsHaves means nothing needs to be fetched.
	WantsHaves(snap *refdb.Snapshot, refs []AdvertisedRef) (*WantsHaves, error)

	// Prepare computes the ref updates to stage now that the step's
	// pack (if any) has landed in the object store.
	Prepare(state *State, snap *refdb.Snapshot, refs []AdvertisedRef) (Updates, error)
}

// Transport is the narrow capability Run needs from the wire:
// advertise refs under a set of prefixes, then fetch a negotiated
// want/have set.
type Transport interface {
	LsRefs(prefixes []string) ([]AdvertisedRef, error)
	Fetch(wh WantsHaves) error
}

// State is the staging overlay accumulated across the exchange's
// steps.
type State struct {
	overlay map[plumbing.ReferenceName]refdb.Ref

	canonicalRadID *oid.OID
	ids            map[pk.PublicKey]oid.OID
	sigrefTips     map[pk.PublicKey]oid.OID
	tips           []refdb.Edit
}

// New returns an empty staging overlay.
func New() *State {
	return &State{
		overlay:    make(map[plumbing.ReferenceName]refdb.Ref),
		ids:        make(map[pk.PublicKey]oid.OID),
		sigrefTips: make(map[pk.PublicKey]oid.OID),
	}
}

// CanonicalRadID returns the non-namespaced refs/rad/id tip observed so
// far, if any.
func (s *State) CanonicalRadID() (oid.OID, bool) {
	if s.canonicalRadID == nil {
		return oid.Zero, false
	}
	return *s.canonicalRadID, true
}

// Tips returns every edit staged so far, across all steps.
func (s *State) Tips() []refdb.Edit {
	out := make([]refdb.Edit, len(s.tips))
	copy(out, s.tips)
	return out
}

// ClearRadRefs discards the observed rad/id and rad/sigrefs tips,
// forcing the next step to re-derive them from the refdb/transport
// rather than trusting a stale overlay view -- used between the
// verification-refs and data-refs steps once their tips have been
// folded into trust decisions.
func (s *State) ClearRadRefs() {
	s.ids = make(map[pk.PublicKey]oid.OID)
	s.sigrefTips = make(map[pk.PublicKey]oid.OID)
}

// RecordIdentityTip records remote's observed refs/rad/id tip
// directly, bypassing a Run round. Exported for Step implementations'
// tests, which exercise Prepare in isolation from the ls-refs/fetch
// machinery Run drives.
func (s *State) RecordIdentityTip(remote pk.PublicKey, tip oid.OID) {
	s.ids[remote] = tip
}

// SigrefTip returns the rad/sigrefs tip observed for remote in this
// exchange, if any.
func (s *State) SigrefTip(remote pk.PublicKey) (oid.OID, bool) {
	o, ok := s.sigrefTips[remote]
	return o, ok
}

// IdentityTip returns the rad/id tip observed for remote in this
// exchange, if any.
func (s *State) IdentityTip(remote pk.PublicKey) (oid.OID, bool) {
	o, ok := s.ids[remote]
	return o, ok
}

// RecordCanonicalRadID records the non-namespaced refs/rad/id tip
// directly, bypassing a Run round. Exported for Step implementations'
// tests, which exercise Prepare in isolation from the ls-refs/fetch
// machinery Run drives.
func (s *State) RecordCanonicalRadID(tip oid.OID) {
	s.canonicalRadID = &tip
}

// UpdateAll applies every edit to the overlay unconditionally (no
// fast-forward policy check -- that happens once, when the real
// refdb transaction commits at the end of the exchange), records them
// for the eventual Commit, and reports what each edit did relative to
// the overlay's prior contents. A symbolic edit is collapsed to a
// direct entry holding the target's current overlay OID (zero when
// unknown); symref fidelity is preserved only in the queued tips the
// real refdb eventually commits.
func (s *State) UpdateAll(edits []refdb.Edit) refdb.Applied {
	var applied refdb.Applied
	for _, e := range edits {
		s.tips = append(s.tips, e)

		var old *refdb.Ref
		if prev, had := s.overlay[e.Name]; had {
			p := prev
			old = &p
		}

		if e.New.Target == oid.Zero && e.New.Symref == "" {
			delete(s.overlay, e.Name)
			applied.Updated = append(applied.Updated, refdb.Updated{Name: e.Name, Old: old})
			continue
		}

		stored := refdb.Ref{Name: e.Name, Target: e.New.Target}
		if e.New.IsSymbolic() {
			if target, ok := s.overlay[e.New.Symref]; ok {
				stored.Target = target.Target
			} else {
				stored.Target = oid.Zero
			}
		}
		s.overlay[e.Name] = stored
		applied.Updated = append(applied.Updated, refdb.Updated{Name: e.Name, Old: old, New: stored})
	}
	return applied
}

// Scan returns the overlay's entries under prefix (empty means all),
// sorted by name.
func (s *State) Scan(prefix plumbing.ReferenceName) []refdb.Ref {
	var out []refdb.Ref
	for name, r := range s.overlay {
		if prefix == "" || strings.HasPrefix(string(name), string(prefix)) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// find resolves name against the overlay only; callers needing
// refdb fallback should use Cached.
func (s *State) find(name plumbing.ReferenceName) (refdb.Ref, bool) {
	r, ok := s.overlay[name]
	return r, ok
}

// Run drives one Step to completion: ls-refs, filter, pre-validate,
// negotiate and fetch, record special-ref tips, then stage the
// step's proposed updates.
func (s *State) Run(snap *refdb.Snapshot, transport Transport, classify func(plumbing.ReferenceName) (remote pk.PublicKey, isID, isSigrefs bool, ok bool), step Step) error {
	prefixes := step.LsRefs()

	var refs []AdvertisedRef
	if prefixes != nil {
		advertised, err := transport.LsRefs(prefixes)
		if err != nil {
			return fmt.Errorf("stage: ls-refs: %w", err)
		}
		for _, r := range advertised {
			kept, _, ok := step.RefFilter(r)
			if ok {
				refs = append(refs, kept)
			}
		}
	}

	if err := step.PreValidate(refs); err != nil {
		return fmt.Errorf("stage: pre-validate: %w", err)
	}

	wh, err := step.WantsHaves(snap, refs)
	if err != nil {
		return fmt.Errorf("stage: wants-haves: %w", err)
	}
	if wh != nil {
		if err := transport.Fetch(*wh); err != nil {
			return fmt.Errorf("stage: fetch: %w", err)
		}
	}

	for _, r := range refs {
		remote, isID, isSigrefs, ok := classify(r.Name)
		if !ok {
			// The only unclassifiable ref a step's RefFilter keeps is
			// the canonical, non-namespaced refs/rad/id.
			tip := r.Tip
			s.canonicalRadID = &tip
			continue
		}
		isNew := wh == nil || !wh.Has(r.Tip)
		switch {
		case isID && isNew:
			s.ids[remote] = r.Tip
		case isSigrefs && isNew:
			s.sigrefTips[remote] = r.Tip
		}
	}

	updates, err := step.Prepare(s, snap, refs)
	if err != nil {
		return fmt.Errorf("stage: prepare: %w", err)
	}
	s.UpdateAll(updates.Tips)

	return nil
}
