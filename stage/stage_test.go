package stage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/sourcehut-collab/radfetch/identity"
	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/refname"
	"github.com/sourcehut-collab/radfetch/sigrefs"
)

func testKey(t *testing.T, b byte) pk.PublicKey {
	t.Helper()
	var raw [32]byte
	raw[0] = b
	key, err := pk.FromBytes(raw[:])
	require.NoError(t, err)
	return key
}

func newSnapshot(t *testing.T, packedLines ...string) *refdb.Snapshot {
	t.Helper()
	dir := t.TempDir()
	if len(packedLines) > 0 {
		content := ""
		for _, l := range packedLines {
			content += l + "\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "packed-refs"), []byte(content), 0o644))
	}
	s, err := refdb.Open(osfs.New(dir))
	require.NoError(t, err)
	snap, err := s.Snapshot()
	require.NoError(t, err)
	return snap
}

func TestUpdateAllRecordsTipsAndOverlay(t *testing.T) {
	s := New()
	one := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	two := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	s.UpdateAll([]refdb.Edit{{Name: "refs/heads/main", New: refdb.Ref{Target: one}}})
	r, ok := s.find("refs/heads/main")
	require.True(t, ok)
	require.Equal(t, one, r.Target)

	// Overwrite, then prune.
	s.UpdateAll([]refdb.Edit{{Name: "refs/heads/main", New: refdb.Ref{Target: two}}})
	r, _ = s.find("refs/heads/main")
	require.Equal(t, two, r.Target)

	s.UpdateAll([]refdb.Edit{{Name: "refs/heads/main", New: refdb.Ref{}}})
	_, ok = s.find("refs/heads/main")
	require.False(t, ok)

	// Every edit, including the prune, stays queued for the commit.
	require.Len(t, s.Tips(), 3)
}

func TestUpdateAllReportsPreviousValues(t *testing.T) {
	s := New()
	one := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	two := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	applied := s.UpdateAll([]refdb.Edit{{Name: "refs/heads/main", New: refdb.Ref{Target: one}}})
	require.Len(t, applied.Updated, 1)
	require.Nil(t, applied.Updated[0].Old)

	applied = s.UpdateAll([]refdb.Edit{
		{Name: "refs/heads/main", New: refdb.Ref{Target: two}},
		{Name: "refs/heads/main", New: refdb.Ref{}},
	})
	require.Len(t, applied.Updated, 2)
	require.Equal(t, one, applied.Updated[0].Old.Target)
	require.Equal(t, two, applied.Updated[1].Old.Target)
}

func TestUpdateAllCollapsesSymbolicToDirect(t *testing.T) {
	s := New()
	target := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	s.UpdateAll([]refdb.Edit{
		{Name: "refs/heads/main", New: refdb.Ref{Target: target}},
		{Name: "HEAD", New: refdb.Ref{Symref: "refs/heads/main"}, AllowTypeChange: true},
	})

	r, ok := s.find("HEAD")
	require.True(t, ok)
	require.False(t, r.IsSymbolic(), "the overlay stores the resolved OID, not the symref")
	require.Equal(t, target, r.Target)

	// The queued tip keeps its symbolic shape for the real commit.
	tips := s.Tips()
	require.Equal(t, plumbing.ReferenceName("refs/heads/main"), tips[1].New.Symref)
}

func TestScanIsSortedAndPrefixed(t *testing.T) {
	s := New()
	tip := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	s.UpdateAll([]refdb.Edit{
		{Name: "refs/heads/zeta", New: refdb.Ref{Target: tip}},
		{Name: "refs/heads/alpha", New: refdb.Ref{Target: tip}},
		{Name: "refs/tags/v1", New: refdb.Ref{Target: tip}},
	})

	heads := s.Scan("refs/heads/")
	require.Len(t, heads, 2)
	require.Equal(t, plumbing.ReferenceName("refs/heads/alpha"), heads[0].Name)
	require.Equal(t, plumbing.ReferenceName("refs/heads/zeta"), heads[1].Name)

	require.Len(t, s.Scan(""), 3)
}

func TestTipsReturnsACopy(t *testing.T) {
	s := New()
	s.UpdateAll([]refdb.Edit{{Name: "refs/heads/main", New: refdb.Ref{Target: oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}})

	tips := s.Tips()
	tips[0].Name = "refs/heads/clobbered"
	require.Equal(t, plumbing.ReferenceName("refs/heads/main"), s.Tips()[0].Name)
}

func TestClearRadRefs(t *testing.T) {
	s := New()
	remote := testKey(t, 1)
	tip := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	s.RecordIdentityTip(remote, tip)
	s.sigrefTips[remote] = tip

	s.ClearRadRefs()

	_, ok := s.IdentityTip(remote)
	require.False(t, ok)
	_, ok = s.SigrefTip(remote)
	require.False(t, ok)
}

// --- Run ---

type fakeTransport struct {
	advertised []AdvertisedRef
	fetched    []WantsHaves
}

func (f *fakeTransport) LsRefs([]string) ([]AdvertisedRef, error) { return f.advertised, nil }

func (f *fakeTransport) Fetch(wh WantsHaves) error {
	f.fetched = append(f.fetched, wh)
	return nil
}

// passStep keeps every advertised ref and stages nothing; wants is
// fixed by the test.
type passStep struct {
	wants *WantsHaves
}

func (passStep) LsRefs() []string { return []string{"refs/namespaces"} }

func (passStep) RefFilter(r AdvertisedRef) (AdvertisedRef, plumbing.ReferenceName, bool) {
	return r, r.Name, true
}

func (passStep) PreValidate([]AdvertisedRef) error { return nil }

func (p passStep) WantsHaves(*refdb.Snapshot, []AdvertisedRef) (*WantsHaves, error) {
	return p.wants, nil
}

func (passStep) Prepare(*State, *refdb.Snapshot, []AdvertisedRef) (Updates, error) {
	return Updates{}, nil
}

func TestRunRecordsSpecialTips(t *testing.T) {
	remote := testKey(t, 1)
	idTip := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sigTip := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	canonical := oid.FromString("cccccccccccccccccccccccccccccccccccccccc")

	tr := &fakeTransport{advertised: []AdvertisedRef{
		{Name: refname.RadID, Tip: canonical},
		{Name: refname.RadId(remote).Namespaced(), Tip: idTip},
		{Name: refname.RadSigrefs(remote).Namespaced(), Tip: sigTip},
	}}

	s := New()
	require.NoError(t, s.Run(newSnapshot(t), tr, refname.Classify, passStep{}))

	got, ok := s.CanonicalRadID()
	require.True(t, ok)
	require.Equal(t, canonical, got)

	got, ok = s.IdentityTip(remote)
	require.True(t, ok)
	require.Equal(t, idTip, got)

	got, ok = s.SigrefTip(remote)
	require.True(t, ok)
	require.Equal(t, sigTip, got)

	require.Empty(t, tr.fetched, "nil WantsHaves must skip the fetch round")
}

func TestRunSkipsTipsAlreadyHad(t *testing.T) {
	remote := testKey(t, 1)
	idTip := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	wanted := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	tr := &fakeTransport{advertised: []AdvertisedRef{
		{Name: refname.RadId(remote).Namespaced(), Tip: idTip},
	}}

	s := New()
	wh := &WantsHaves{Wants: []oid.OID{wanted}, Haves: []oid.OID{idTip}}
	require.NoError(t, s.Run(newSnapshot(t), tr, refname.Classify, passStep{wants: wh}))

	require.Len(t, tr.fetched, 1)

	// The tip was a have: it is not "new", so it must not be recorded
	// as an observed identity tip for this exchange.
	_, ok := s.IdentityTip(remote)
	require.False(t, ok)
}

// --- Cached ---

type stubStore struct {
	loads   map[pk.PublicKey]*sigrefs.Sigrefs
	loadAts map[oid.OID]*sigrefs.Sigrefs
}

func (s stubStore) Load(remote pk.PublicKey) (*sigrefs.Sigrefs, error) {
	return s.loads[remote], nil
}

func (s stubStore) LoadAt(tip oid.OID, _ pk.PublicKey) (*sigrefs.Sigrefs, error) {
	m, ok := s.loadAts[tip]
	if !ok {
		return nil, errors.New("stubStore: no manifest at tip")
	}
	return m, nil
}

type nopOracle struct{}

func (nopOracle) Verified(oid.OID) (identity.Identity, error) { return nil, errors.New("unused") }
func (nopOracle) Newer(a, _ identity.Identity) (identity.Identity, error) {
	return a, nil
}

func TestCachedOverlayShadowsSnapshot(t *testing.T) {
	packed := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	staged := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	snap := newSnapshot(t,
		packed.String()+" refs/heads/main",
		packed.String()+" refs/heads/other",
	)

	s := New()
	s.UpdateAll([]refdb.Edit{{Name: "refs/heads/main", New: refdb.Ref{Target: staged}}})

	c := NewCached(s, snap, stubStore{}, nopOracle{})

	got, ok, err := c.RefnameToID("refs/heads/main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, staged, got, "overlay wins over the snapshot")

	got, ok, err = c.RefnameToID("refs/heads/other")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, packed, got, "untouched names fall through to the snapshot")

	_, ok, err = c.RefnameToID("refs/heads/absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCachedLoadPrefersObservedTip(t *testing.T) {
	remote := testKey(t, 1)
	observed := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	fromTip := &sigrefs.Sigrefs{At: observed}
	fromStore := &sigrefs.Sigrefs{At: oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}

	store := stubStore{
		loads:   map[pk.PublicKey]*sigrefs.Sigrefs{remote: fromStore},
		loadAts: map[oid.OID]*sigrefs.Sigrefs{observed: fromTip},
	}

	s := New()
	c := NewCached(s, newSnapshot(t), store, nopOracle{})

	// No tip observed yet: falls through to the store's own view.
	m, err := c.Load(remote)
	require.NoError(t, err)
	require.Equal(t, fromStore, m)

	// Once this exchange observes a sigrefs tip, that exact commit is
	// what gets loaded.
	s.sigrefTips[remote] = observed
	m, err = c.Load(remote)
	require.NoError(t, err)
	require.Equal(t, fromTip, m)
}
