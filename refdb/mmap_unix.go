//go:build darwin || linux

package refdb

import (
	"errors"
	"io"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sys/unix"
)

// mmapFile memory-maps f read-only for size bytes, returning the
// mapped bytes and a cleanup function that unmaps (and closes f). The
// caller supplies size from its own Stat of the path, since
// billy.File carries no Stat of its own.
//
// The mapping lasts only until cleanup runs, which loadPackedRefs does
// right after parsing; snapshot readers hold the parsed entries, not
// the mapped bytes.
func mmapFile(f billy.File, size int64) ([]byte, func() error, error) {
	if f == nil {
		return nil, nil, errors.New("refdb: cannot mmap nil file")
	}

	if size == 0 {
		// unix.Mmap rejects a zero-length mapping; an empty
		// packed-refs file parses to no entries.
		return nil, f.Close, nil
	}

	type fder interface {
		Fd() uintptr
	}
	fd, ok := f.(fder)
	if !ok {
		// Filesystems that wrap their files (billy's chroot helper,
		// memfs) hide the descriptor; read the contents instead.
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, nil, errors.Join(err, f.Close())
		}
		return data, f.Close, nil
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Join(err, f.Close())
	}

	cleanup := func() error {
		return errors.Join(unix.Munmap(data), f.Close())
	}

	return data, cleanup, nil
}
