package refdb

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
)

// Snapshot is an immutable, point-in-time view of the ref store: the
// packed-refs buffer overlaid with any loose refs, which always take
// precedence (mirroring Git's own layering: a loose ref shadows a
// packed entry of the same name until the next pack-refs).
type Snapshot struct {
	storage *Storage
	buf     *packedBuffer
}

// Find returns the reference stored under name, or nil if there is
// none. A symbolic reference is returned as stored (Symref set), not
// resolved; Peel is the call that follows symbolic chains.
func (s *Snapshot) Find(name plumbing.ReferenceName) (*Ref, error) {
	if r, err := s.findLoose(name); err != nil {
		return nil, &UpdateError{Kind: Find, Name: name, Err: err}
	} else if r != nil {
		return r, nil
	}

	if target, ok := s.buf.refs[name]; ok {
		r := direct(name, target)
		return &r, nil
	}

	return nil, nil
}

// Peel resolves name to a final object OID, following symbolic
// references until a direct one is reached. Returns oid.Zero if the
// reference does not exist.
func (s *Snapshot) Peel(name plumbing.ReferenceName) (oid.OID, error) {
	seen := map[plumbing.ReferenceName]bool{}
	for {
		if seen[name] {
			return oid.Zero, &UpdateError{Kind: Find, Name: name, Err: errCycle}
		}
		seen[name] = true

		r, err := s.Find(name)
		if err != nil {
			return oid.Zero, err
		}
		if r == nil {
			return oid.Zero, nil
		}
		if !r.IsSymbolic() {
			return r.Target, nil
		}
		name = r.Symref
	}
}

// Iter returns every reference under prefix (a refname path segment
// such as "refs/namespaces/<pk>"), loose refs and packed entries
// merged and deduplicated with loose taking precedence, sorted by
// name for deterministic iteration.
func (s *Snapshot) Iter(prefix plumbing.ReferenceName) ([]Ref, error) {
	byName := make(map[plumbing.ReferenceName]Ref)

	for name, target := range s.buf.refs {
		if hasPrefix(name, prefix) {
			byName[name] = direct(name, target)
		}
	}

	if err := s.walkLoose(string(prefix), byName); err != nil {
		return nil, &UpdateError{Kind: Scan, Err: err}
	}

	out := make([]Ref, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func hasPrefix(name, prefix plumbing.ReferenceName) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(string(name), string(prefix))
}

func (s *Snapshot) findLoose(name plumbing.ReferenceName) (*Ref, error) {
	f, err := s.storage.fs.Open(string(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return parseLooseRef(name, data)
}

func (s *Snapshot) walkLoose(prefix string, into map[plumbing.ReferenceName]Ref) error {
	if prefix == "" {
		prefix = "refs"
	}
	// walkDir joins entries with "/", so a trailing slash would yield
	// names containing "//".
	prefix = strings.TrimSuffix(prefix, "/")
	return walkDir(s.storage.fs, prefix, into)
}

func walkDir(fs billy.Filesystem, dir string, into map[plumbing.ReferenceName]Ref) error {
	entries, err := fs.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		full := dir + "/" + entry.Name()
		if entry.IsDir() {
			if err := walkDir(fs, full, into); err != nil {
				return err
			}
			continue
		}

		f, err := fs.Open(full)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return err
		}

		name := plumbing.ReferenceName(full)
		r, err := parseLooseRef(name, data)
		if err != nil {
			return err
		}
		if r != nil {
			into[name] = *r
		}
	}
	return nil
}

func parseLooseRef(name plumbing.ReferenceName, data []byte) (*Ref, error) {
	line := strings.TrimSpace(string(bytes.TrimRight(data, "\n")))
	if line == "" {
		return nil, nil
	}
	if strings.HasPrefix(line, "ref:") {
		target := strings.TrimSpace(strings.TrimPrefix(line, "ref:"))
		r := symbolic(name, plumbing.ReferenceName(target))
		return &r, nil
	}
	r := direct(name, oid.FromString(line))
	return &r, nil
}

var errCycle = errCycleErr{}

type errCycleErr struct{}

func (errCycleErr) Error() string { return "symbolic reference cycle" }
