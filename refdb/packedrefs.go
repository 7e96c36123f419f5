package refdb

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
)

// packedBuffer is a parsed, memory-mapped snapshot of a packed-refs
// file as of a point in time, identified by the file's mtime. Readers
// hold a packedBuffer immutably; refreshing means building a new one
// and swapping it in, never mutating in place. The recorded mtime
// lets callers cheaply decide whether a refresh is needed at all.
type packedBuffer struct {
	mtime time.Time
	refs  map[plumbing.ReferenceName]oid.OID
}

// loadPackedRefs opens path on fs, mmaps its contents, parses the
// packed-refs format, and returns the resulting buffer tagged with the
// file's mtime at open time.
//
// The format is one "<oid> <refname>" line per entry; blank lines and
// "#"-prefixed comments are ignored, and the "^<oid>" peeled-tag
// lines following an annotated tag entry are skipped since this
// facade resolves peeling through the object store, not the
// packed-refs annotation.
func loadPackedRefs(fs billy.Filesystem, path string) (*packedBuffer, error) {
	info, err := fs.Stat(path)
	if os.IsNotExist(err) {
		return &packedBuffer{refs: map[plumbing.ReferenceName]oid.OID{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refdb: stat %s: %w", path, err)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("refdb: open %s: %w", path, err)
	}

	data, cleanup, err := mmapFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("refdb: mmap %s: %w", path, err)
	}
	defer cleanup()

	refs, err := parsePackedRefs(data)
	if err != nil {
		return nil, fmt.Errorf("refdb: parse %s: %w", path, err)
	}

	return &packedBuffer{mtime: info.ModTime(), refs: refs}, nil
}

func parsePackedRefs(data []byte) (map[plumbing.ReferenceName]oid.OID, error) {
	refs := make(map[plumbing.ReferenceName]oid.OID)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}

		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("malformed packed-refs line %q", line)
		}
		hash, name := line[:sp], line[sp+1:]
		refs[plumbing.ReferenceName(name)] = oid.FromString(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return refs, nil
}

// stale reports whether the on-disk mtime for path has advanced past
// the buffer's recorded mtime -- the cheap check that gates the
// refresh in Storage.reload.
func (b *packedBuffer) stale(fs billy.Filesystem, path string) (bool, error) {
	info, err := fs.Stat(path)
	if os.IsNotExist(err) {
		return len(b.refs) != 0, nil
	}
	if err != nil {
		return false, err
	}
	return info.ModTime().After(b.mtime), nil
}
