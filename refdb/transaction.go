package refdb

import (
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
)

// Policy controls what Commit does when an update would move a
// reference somewhere other than forward in its own history.
type Policy int

const (
	// Abort fails the whole transaction on the first non-fast-forward
	// update it encounters.
	Abort Policy = iota
	// Reject drops the offending update but commits the rest.
	Reject
	// Allow applies the update regardless (a forced update).
	Allow
)

// AncestryChecker is the narrow capability Commit needs to classify an
// update as a fast-forward: whatever provided oldOID must be an
// ancestor of (or equal to) newOID. odb.ODB satisfies this by
// structure; Transaction depends on the interface, not the concrete
// type, so refdb has no import-time dependency on odb.
type AncestryChecker interface {
	IsInAncestryPath(newOID, oldOID oid.OID) (bool, error)
}

// Edit is one proposed change to a single reference.
type Edit struct {
	Name plumbing.ReferenceName

	// Old, if non-nil, is the value the reference is expected to
	// currently hold; a mismatch fails the edit with Missing.
	Old *Ref

	// New is the reference's proposed new value. A zero New (no
	// Target, no Symref) deletes the reference.
	New Ref

	// Policy governs non-fast-forward handling for this edit; zero
	// value is Abort.
	Policy Policy

	// AllowTypeChange permits New to change direct<->symbolic relative
	// to the current value. Without it such an edit fails with
	// TargetSymbolic (current is symbolic, New is direct) or
	// TypeChange (current is direct, New is symbolic).
	AllowTypeChange bool
}

func (e Edit) isDelete() bool { return oid.IsZero(e.New.Target) && e.New.Symref == "" }

// Applied is the outcome of a committed transaction: the edits that
// were written, and any that Policy: Reject silently dropped.
type Applied struct {
	Updated []Updated
	Skipped []plumbing.ReferenceName
}

// Updated describes one reference's before/after state in a committed
// transaction.
type Updated struct {
	Name plumbing.ReferenceName
	Old  *Ref
	New  Ref
}

// Transaction stages a batch of edits against a fixed base snapshot
// and applies them relative to that snapshot's view:
// between Begin and Commit, edits are validated and staged in memory
// only, so a multi-round protocol exchange can build up its full set
// of ref changes before anything touches disk.
type Transaction struct {
	storage *Storage
	base    *Snapshot
	pending []Edit
	actor   Signature
}

// SetActor records who this transaction's updates should be
// attributed to in the reflog. Without a call to SetActor, Commit
// writes no reflog entries.
func (t *Transaction) SetActor(sig Signature) {
	t.actor = sig
}

// Stage adds edit to the pending batch. Structural validation (type
// change, old-value mismatch against the transaction's base snapshot)
// happens immediately; fast-forward checks happen at Commit, since
// they require an AncestryChecker the caller supplies there.
func (t *Transaction) Stage(edit Edit) error {
	current, err := t.base.Find(edit.Name)
	if err != nil {
		return err
	}

	if edit.Old != nil {
		if current == nil || !refsEqual(*current, *edit.Old) {
			return &UpdateError{Kind: Missing, Name: edit.Name, Err: fmt.Errorf("expected old value not present")}
		}
	}

	if current != nil && !edit.AllowTypeChange {
		switch {
		case current.IsSymbolic() && !edit.New.IsSymbolic() && !edit.isDelete():
			return &UpdateError{Kind: TargetSymbolic, Name: edit.Name}
		case !current.IsSymbolic() && edit.New.IsSymbolic():
			return &UpdateError{Kind: TypeChange, Name: edit.Name}
		}
	}

	t.pending = append(t.pending, edit)
	return nil
}

func refsEqual(a, b Ref) bool {
	return a.Target == b.Target && a.Symref == b.Symref
}

// Commit applies the staged edits in order, using checker to decide
// whether a direct update that doesn't start from the reference's
// current value is a legitimate fast-forward. Every fast-forward
// decision is made before the first write, so a non-fast-forward edit
// under Abort leaves the ref store untouched; a write error part-way
// through leaves the edits written before it in place.
func (t *Transaction) Commit(checker AncestryChecker) (*Applied, error) {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()

	applied := &Applied{}

	type accepted struct {
		edit    Edit
		current *Ref
	}
	var writes []accepted

	for _, edit := range t.pending {
		current, err := t.base.Find(edit.Name)
		if err != nil {
			return nil, &UpdateError{Kind: Commit, Name: edit.Name, Err: err}
		}

		if !edit.isDelete() && !edit.New.IsSymbolic() && current != nil && !current.IsSymbolic() {
			ff, err := checker.IsInAncestryPath(edit.New.Target, current.Target)
			if err != nil {
				return nil, &UpdateError{Kind: Revwalk, Name: edit.Name, Err: err}
			}
			if !ff {
				switch edit.Policy {
				case Reject:
					applied.Skipped = append(applied.Skipped, edit.Name)
					continue
				case Allow:
					// fall through and apply anyway
				default:
					return nil, &UpdateError{Kind: NonFastForward, Name: edit.Name, Old: current.Target, New: edit.New.Target}
				}
			}
		}

		writes = append(writes, accepted{edit: edit, current: current})
	}

	for _, w := range writes {
		edit, current := w.edit, w.current
		if err := t.write(edit); err != nil {
			return nil, &UpdateError{Kind: Commit, Name: edit.Name, Err: err}
		}

		if !t.actor.isZero() {
			old := oid.Zero
			if current != nil {
				old = current.Target
			}
			if err := appendReflog(t.storage.fs, edit.Name, old, edit.New.Target, t.actor, "fetch"); err != nil {
				return nil, &UpdateError{Kind: Commit, Name: edit.Name, Err: err}
			}
		}

		applied.Updated = append(applied.Updated, Updated{Name: edit.Name, Old: current, New: edit.New})
	}

	return applied, nil
}

func (t *Transaction) write(edit Edit) error {
	path := string(edit.Name)

	if edit.isDelete() {
		err := t.storage.fs.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	content := edit.New.Target.String() + "\n"
	if edit.New.IsSymbolic() {
		content = "ref: " + string(edit.New.Symref) + "\n"
	}

	f, err := t.storage.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return err
	}
	defer f.Unlock()

	_, err = f.Write([]byte(content))
	return err
}
