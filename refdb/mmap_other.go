//go:build !darwin && !linux

package refdb

import (
	"errors"
	"io"

	"github.com/go-git/go-billy/v5"
)

// mmapFile falls back to a plain read for platforms without a mmap
// syscall wired up here.
func mmapFile(f billy.File, _ int64) ([]byte, func() error, error) {
	if f == nil {
		return nil, nil, errors.New("refdb: cannot mmap nil file")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, errors.Join(err, f.Close())
	}
	return data, f.Close, nil
}
