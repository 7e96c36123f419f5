package refdb

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sourcehut-collab/radfetch/oid"
)

// Signature identifies who is responsible for a transaction's ref
// updates, for reflog entries.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) isZero() bool { return s.Name == "" && s.Email == "" }

// appendReflog appends one entry to logs/<name>, creating the log
// file and its parent directories if this is the reference's first
// update. Mirrors git's "Normal" reflog mode: every update is logged,
// so rad/ refs keep their audit history without any per-category
// conditional here.
func appendReflog(fs backoffFS, name plumbing.ReferenceName, oldOID, newOID oid.OID, sig Signature, message string) error {
	logPath := path.Join("logs", string(name))

	if err := fs.MkdirAll(path.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("refdb: reflog: mkdir: %w", err)
	}

	f, err := fs.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("refdb: reflog: open: %w", err)
	}
	defer f.Close()

	_, offset := sig.When.Zone()
	line := fmt.Sprintf("%s %s %s <%s> %d %s\t%s\n",
		oldOID, newOID, sig.Name, sig.Email, sig.When.Unix(), formatOffset(offset), message)

	_, err = f.Write([]byte(line))
	return err
}

func formatOffset(seconds int) string {
	sign := "+"
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%02d%02d", sign, seconds/3600, (seconds%3600)/60)
}
