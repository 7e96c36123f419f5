package validate

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/sigrefs"
)

type fakeScanner struct{ refs []refdb.Ref }

func (f fakeScanner) Iter(plumbing.ReferenceName) ([]refdb.Ref, error) { return f.refs, nil }

// Peel stands in for a real snapshot's peeling: every test fixture
// ref here is direct, so this is just a lookup by name.
func (f fakeScanner) Peel(name plumbing.ReferenceName) (oid.OID, error) {
	for _, r := range f.refs {
		if r.Name == name {
			return r.Target, nil
		}
	}
	return oid.Zero, nil
}

func testKey(t *testing.T, b byte) pk.PublicKey {
	t.Helper()
	var raw [32]byte
	raw[0] = b
	key, err := pk.FromBytes(raw[:])
	require.NoError(t, err)
	return key
}

func TestValidateNoData(t *testing.T) {
	remote := testKey(t, 1)
	warnings, err := Validate(fakeScanner{}, remote, &sigrefs.Sigrefs{})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, NoData, warnings[0].Kind)
}

func TestValidateMatchesManifestExactly(t *testing.T) {
	remote := testKey(t, 1)
	mainTip := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sigrefsTip := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	idTip := oid.FromString("cccccccccccccccccccccccccccccccccccccccc")

	prefix := plumbing.ReferenceName("refs/namespaces/" + remote.String() + "/")
	scanner := fakeScanner{refs: []refdb.Ref{
		{Name: prefix + "refs/rad/id", Target: idTip},
		{Name: prefix + "refs/rad/sigrefs", Target: sigrefsTip},
		{Name: prefix + "refs/heads/main", Target: mainTip},
	}}

	manifest := &sigrefs.Sigrefs{
		At:   sigrefsTip,
		Refs: map[plumbing.ReferenceName]oid.OID{"refs/heads/main": mainTip},
	}

	warnings, err := Validate(scanner, remote, manifest)
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateDetectsMismatchAndMissingAndAdditional(t *testing.T) {
	remote := testKey(t, 1)
	actualMain := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	expectedMain := oid.FromString("dddddddddddddddddddddddddddddddddddddddd")
	sigrefsTip := oid.FromString("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	idTip := oid.FromString("cccccccccccccccccccccccccccccccccccccccc")
	extraTip := oid.FromString("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")

	prefix := plumbing.ReferenceName("refs/namespaces/" + remote.String() + "/")
	scanner := fakeScanner{refs: []refdb.Ref{
		{Name: prefix + "refs/rad/id", Target: idTip},
		{Name: prefix + "refs/rad/sigrefs", Target: sigrefsTip},
		{Name: prefix + "refs/heads/main", Target: actualMain},
		{Name: prefix + "refs/heads/extra", Target: extraTip},
	}}

	manifest := &sigrefs.Sigrefs{
		At: sigrefsTip,
		Refs: map[plumbing.ReferenceName]oid.OID{
			"refs/heads/main": expectedMain,
			"refs/heads/gone": idTip,
		},
	}

	warnings, err := Validate(scanner, remote, manifest)
	require.NoError(t, err)

	kinds := make(map[Kind]int)
	for _, w := range warnings {
		kinds[w.Kind]++
	}
	require.Equal(t, 1, kinds[MismatchedRef])
	require.Equal(t, 1, kinds[AdditionalRef])
	require.Equal(t, 1, kinds[MissingRef])
}

func TestValidateMissingRadRefs(t *testing.T) {
	remote := testKey(t, 1)
	mainTip := oid.FromString("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	prefix := plumbing.ReferenceName("refs/namespaces/" + remote.String() + "/")
	scanner := fakeScanner{refs: []refdb.Ref{
		{Name: prefix + "refs/heads/main", Target: mainTip},
	}}

	manifest := &sigrefs.Sigrefs{Refs: map[plumbing.ReferenceName]oid.OID{"refs/heads/main": mainTip}}

	warnings, err := Validate(scanner, remote, manifest)
	require.NoError(t, err)

	kinds := make(map[Kind]int)
	for _, w := range warnings {
		kinds[w.Kind]++
	}
	require.Equal(t, 1, kinds[MissingRadId])
	require.Equal(t, 1, kinds[MissingRadSigRefs])
}
