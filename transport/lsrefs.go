package transport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
	"github.com/sourcehut-collab/radfetch/stage"
)

// LsRefs issues a protocol v2 ls-refs command restricted to prefixes
// (empty means "every ref") and returns what the remote advertised:
// one ref-prefix argument line per requested prefix goes out, then a
// flush-terminated list of "<oid> <name>[ symref-target:<target>]"
// lines comes back. The prefixes are de-duplicated and sorted before
// sending, so callers may hand in whatever map-iteration order they
// assembled them in.
func (t *Transport) LsRefs(prefixes []string) ([]stage.AdvertisedRef, error) {
	seen := make(map[string]bool, len(prefixes))
	unique := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	sort.Strings(unique)

	args := make([]string, 0, len(unique)+1)
	args = append(args, "symrefs")
	for _, p := range unique {
		args = append(args, "ref-prefix "+p)
	}

	r, w, err := t.open()
	if err != nil {
		return nil, fmt.Errorf("transport: ls-refs: %w", err)
	}
	if err := writeCommand(w, "ls-refs", nil, args); err != nil {
		return nil, fmt.Errorf("transport: ls-refs: write: %w", err)
	}

	var refs []stage.AdvertisedRef
	for {
		line, ok, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("transport: ls-refs: read: %w", err)
		}
		if !ok {
			break
		}

		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("transport: ls-refs: malformed line %q", line)
		}
		if !plumbing.IsHash(fields[0]) {
			return nil, fmt.Errorf("transport: ls-refs: malformed oid %q", fields[0])
		}

		name := fields[1]
		if i := strings.Index(name, " symref-target:"); i >= 0 {
			name = name[:i]
		}

		refs = append(refs, stage.AdvertisedRef{
			Name: plumbing.ReferenceName(name),
			Tip:  oid.FromString(fields[0]),
		})
	}

	return refs, nil
}
