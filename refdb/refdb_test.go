package refdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/sourcehut-collab/radfetch/oid"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(osfs.New(dir))
	require.NoError(t, err)
	return s, dir
}

func writePackedRefs(t *testing.T, dir string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "packed-refs"), []byte(content), 0o644))
}

func TestOpenEmpty(t *testing.T) {
	s, _ := newTestStorage(t)
	snap, err := s.Snapshot()
	require.NoError(t, err)

	refs, err := snap.Iter("refs")
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestFindPackedRef(t *testing.T) {
	s, dir := newTestStorage(t)
	oneOID := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	writePackedRefs(t, dir, oneOID.String()+" refs/heads/main")

	snap, err := s.Snapshot()
	require.NoError(t, err)

	r, err := snap.Find("refs/heads/main")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.False(t, r.IsSymbolic())
	require.Equal(t, oneOID, r.Target)
}

func TestFindMissingRef(t *testing.T) {
	s, _ := newTestStorage(t)
	snap, err := s.Snapshot()
	require.NoError(t, err)

	r, err := snap.Find("refs/heads/nope")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestLooseRefShadowsPacked(t *testing.T) {
	s, dir := newTestStorage(t)
	packed := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	loose := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	writePackedRefs(t, dir, packed.String()+" refs/heads/main")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "refs", "heads", "main"), []byte(loose.String()+"\n"), 0o644))

	snap, err := s.Snapshot()
	require.NoError(t, err)

	r, err := snap.Find("refs/heads/main")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, loose, r.Target)
}

func TestSnapshotRefreshOnMtimeChange(t *testing.T) {
	s, dir := newTestStorage(t)
	first := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	writePackedRefs(t, dir, first.String()+" refs/heads/main")

	snap1, err := s.Snapshot()
	require.NoError(t, err)
	r1, err := snap1.Find("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, first, r1.Target)

	// Force the mtime to advance past the first snapshot's recorded
	// value on filesystems with coarse (1s) mtime resolution.
	time.Sleep(1100 * time.Millisecond)

	second := oid.FromString("cccccccccccccccccccccccccccccccccccccccc")
	writePackedRefs(t, dir, second.String()+" refs/heads/main")

	snap2, err := s.Snapshot()
	require.NoError(t, err)
	r2, err := snap2.Find("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, second, r2.Target)
}

func TestPeelFollowsSymbolic(t *testing.T) {
	s, dir := newTestStorage(t)
	target := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	writePackedRefs(t, dir, target.String()+" refs/heads/main")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	snap, err := s.Snapshot()
	require.NoError(t, err)

	got, err := snap.Peel("HEAD")
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestPeelMissingReturnsZero(t *testing.T) {
	s, _ := newTestStorage(t)
	snap, err := s.Snapshot()
	require.NoError(t, err)

	got, err := snap.Peel("refs/heads/nope")
	require.NoError(t, err)
	require.True(t, oid.IsZero(got))
}

type alwaysAncestor struct{}

func (alwaysAncestor) IsInAncestryPath(oid.OID, oid.OID) (bool, error) { return true, nil }

type neverAncestor struct{}

func (neverAncestor) IsInAncestryPath(oid.OID, oid.OID) (bool, error) { return false, nil }

func TestTransactionCreatesNewRef(t *testing.T) {
	s, _ := newTestStorage(t)
	tx, err := s.Begin()
	require.NoError(t, err)

	target := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, tx.Stage(Edit{Name: "refs/heads/main", New: Ref{Target: target}}))

	applied, err := tx.Commit(alwaysAncestor{})
	require.NoError(t, err)
	require.Len(t, applied.Updated, 1)
	require.Empty(t, applied.Skipped)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	r, err := snap.Find("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, target, r.Target)
}

func TestTransactionMissingOldValueFails(t *testing.T) {
	s, _ := newTestStorage(t)
	tx, err := s.Begin()
	require.NoError(t, err)

	bogus := &Ref{Target: oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}
	err = tx.Stage(Edit{Name: "refs/heads/main", Old: bogus, New: Ref{Target: oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}})

	var uerr *UpdateError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, Missing, uerr.Kind)
}

func TestTransactionNonFastForwardAborts(t *testing.T) {
	s, dir := newTestStorage(t)
	old := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	writePackedRefs(t, dir, old.String()+" refs/heads/main")

	tx, err := s.Begin()
	require.NoError(t, err)

	newOID := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, tx.Stage(Edit{Name: "refs/heads/main", New: Ref{Target: newOID}, Policy: Abort}))

	_, err = tx.Commit(neverAncestor{})
	var uerr *UpdateError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, NonFastForward, uerr.Kind)
}

func TestTransactionNonFastForwardRejectSkips(t *testing.T) {
	s, dir := newTestStorage(t)
	old := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	writePackedRefs(t, dir, old.String()+" refs/heads/main")

	tx, err := s.Begin()
	require.NoError(t, err)

	newOID := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, tx.Stage(Edit{Name: "refs/heads/main", New: Ref{Target: newOID}, Policy: Reject}))

	applied, err := tx.Commit(neverAncestor{})
	require.NoError(t, err)
	require.Empty(t, applied.Updated)
	require.Equal(t, []plumbing.ReferenceName{"refs/heads/main"}, applied.Skipped)
}

func TestTransactionTypeChangeRejected(t *testing.T) {
	s, dir := newTestStorage(t)
	old := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	writePackedRefs(t, dir, old.String()+" refs/heads/main")

	tx, err := s.Begin()
	require.NoError(t, err)

	err = tx.Stage(Edit{Name: "refs/heads/main", New: Ref{Symref: "refs/heads/other"}})
	var uerr *UpdateError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, TypeChange, uerr.Kind)
}

func TestTransactionDelete(t *testing.T) {
	s, dir := newTestStorage(t)
	old := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "refs", "heads", "main"), []byte(old.String()+"\n"), 0o644))

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Edit{Name: "refs/heads/main", New: Ref{}}))

	applied, err := tx.Commit(alwaysAncestor{})
	require.NoError(t, err)
	require.Len(t, applied.Updated, 1)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	r, err := snap.Find("refs/heads/main")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestTransactionWritesReflogWhenActorSet(t *testing.T) {
	s, dir := newTestStorage(t)
	tx, err := s.Begin()
	require.NoError(t, err)

	target := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, tx.Stage(Edit{Name: "refs/heads/main", New: Ref{Target: target}}))
	tx.SetActor(Signature{Name: "alice", Email: "alice@example", When: time.Unix(1700000000, 0).UTC()})

	_, err = tx.Commit(alwaysAncestor{})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "logs", "refs", "heads", "main"))
	require.NoError(t, err)
	require.Contains(t, string(content), oid.Zero.String()+" "+target.String()+" alice <alice@example>")
}

func TestTransactionNoReflogWithoutActor(t *testing.T) {
	s, dir := newTestStorage(t)
	tx, err := s.Begin()
	require.NoError(t, err)

	target := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, tx.Stage(Edit{Name: "refs/heads/main", New: Ref{Target: target}}))

	_, err = tx.Commit(alwaysAncestor{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "logs", "refs", "heads", "main"))
	require.True(t, os.IsNotExist(err))
}
