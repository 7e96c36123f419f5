package refdb

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
)

const (
	packedRefsPath = "packed-refs"

	// defaultBackoff is the pause between attempts when a snapshot
	// refresh fails to reload the packed-refs file.
	defaultBackoff = 500 * time.Millisecond
	// maxBackoffAttempts bounds how many times a refresh retries before
	// giving up, so a stuck writer can't hang a reader forever.
	maxBackoffAttempts = 5
)

// Storage is the ref database facade: a packed-refs snapshot refreshed
// on demand, plus the transaction path used to apply updates.
//
// Refreshing waits for any writer holding the packed-refs file lock to
// release it (that wait has no timeout), then re-reads the file; a
// reload attempt that fails is retried after a backoff pause, up to
// maxBackoffAttempts times.
type Storage struct {
	fs backoffFS

	mu      sync.Mutex
	current *packedBuffer

	backoff    time.Duration
	maxRetries int
}

type backoffFS = billy.Filesystem

// Open opens (or lazily creates) the packed-refs store rooted at fs.
func Open(fs billy.Filesystem) (*Storage, error) {
	s := &Storage{fs: fs, backoff: defaultBackoff, maxRetries: maxBackoffAttempts}
	buf, err := loadPackedRefs(fs, packedRefsPath)
	if err != nil {
		return nil, &UpdateError{Kind: Init, Err: err}
	}
	s.current = buf
	return s, nil
}

// Snapshot returns an immutable view of the ref store as of now,
// refreshing the cached buffer first if the underlying file has
// changed since it was last read.
func (s *Storage) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return nil, err
	}
	return &Snapshot{storage: s, buf: s.current}, nil
}

// reload refreshes s.current if the on-disk packed-refs file has a
// newer mtime. Must be called with s.mu held.
func (s *Storage) reload() error {
	stale, err := s.current.stale(s.fs, packedRefsPath)
	if err != nil {
		return &UpdateError{Kind: Reload, Err: err}
	}
	if !stale {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		buf, err := s.tryReload()
		if err == nil {
			s.current = buf
			return nil
		}
		lastErr = err
		time.Sleep(s.backoff)
	}

	return &UpdateError{Kind: Reload, Err: fmt.Errorf("exhausted %d attempts: %w", s.maxRetries, lastErr)}
}

// tryReload attempts one refresh cycle: take and release the
// packed-refs file's exclusive lock, which waits out any writer
// holding it, then parse the file. A failure to lock, unlock, close or
// parse is returned so the caller backs off and retries.
func (s *Storage) tryReload() (*packedBuffer, error) {
	f, err := s.fs.Open(packedRefsPath)
	if err != nil {
		// Absence is not a lock conflict; loadPackedRefs handles
		// the not-exist case directly.
		return loadPackedRefs(s.fs, packedRefsPath)
	}

	// Attempting (and releasing) the exclusive lock here detects
	// whether a writer currently holds it: Lock blocks until any
	// writer-held lock clears, then we immediately unlock so readers
	// never starve a writer.
	if err := f.Lock(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("packed-refs locked: %w", err)
	}
	if err := f.Unlock(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return loadPackedRefs(s.fs, packedRefsPath)
}

// Reload refreshes the cached packed-refs buffer if the on-disk file
// has changed, without handing out a snapshot.
func (s *Storage) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

// Begin starts a transaction against the current snapshot.
func (s *Storage) Begin() (*Transaction, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return &Transaction{storage: s, base: snap}, nil
}
