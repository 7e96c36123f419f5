package transport

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"golang.org/x/sync/errgroup"

	"github.com/sourcehut-collab/radfetch/stage"
)

// wantCheckWorkers caps how many goroutines concurrently probe the
// storer for a requested OID once a pack has landed.
const wantCheckWorkers = 4

// ErrWantNotReceived is returned when a fetch response's packfile
// finished parsing without ever producing one of the requested
// objects.
var ErrWantNotReceived = errors.New("transport: want not received")

// Fetch issues a protocol v2 fetch command for wh.Wants (advertising
// wh.Haves so the remote can send a thin negotiation response) and
// parses the resulting packfile directly into the Transport's storer.
//
// After the command's want/have/done lines, the response is a
// delim-separated acknowledgments section (skipped here, since every
// have goes out with "done" in a single negotiation round) followed
// by a "packfile\n" line and the pack data; post-parse, every want's
// presence in the storer is checked explicitly.
func (t *Transport) Fetch(wh stage.WantsHaves) error {
	if len(wh.Wants) == 0 {
		return nil
	}
	t.resetInterrupt()

	args := make([]string, 0, len(wh.Wants)+len(wh.Haves)+2)
	for _, w := range wh.Wants {
		args = append(args, "want "+w.String())
	}
	for _, h := range wh.Haves {
		args = append(args, "have "+h.String())
	}
	args = append(args, "done")

	capabilities := []string{"ofs-delta"}
	if t.sideband {
		capabilities = append(capabilities, "side-band-64k")
	}

	r, w, err := t.open()
	if err != nil {
		return fmt.Errorf("transport: fetch: %w", err)
	}
	if err := writeCommand(w, "fetch", capabilities, args); err != nil {
		return fmt.Errorf("transport: fetch: write: %w", err)
	}

	// Skip the acknowledgments section: "done" was sent with the
	// command, so the remote replies with a bare delimiter before the
	// packfile section.
	for {
		line, ok, err := readLine(r)
		if err != nil {
			return fmt.Errorf("transport: fetch: read: %w", err)
		}
		if !ok {
			break
		}
		if line == "packfile" {
			break
		}
	}

	if err := packfile.UpdateObjectStorage(t.storer, t.packReader(r)); err != nil {
		if errors.Is(err, ErrInterrupted) {
			return fmt.Errorf("transport: fetch: %w", ErrInterrupted)
		}
		return fmt.Errorf("transport: fetch: parse pack: %w", err)
	}

	return t.verifyWants(wh.Wants)
}

// verifyWants checks that every requested OID actually landed in the
// storer, fanning the lookups out across a small worker pool via
// errgroup since EncodedObject hits the object store's own I/O for
// each OID independently.
func (t *Transport) verifyWants(wants []plumbing.Hash) error {
	g := new(errgroup.Group)
	g.SetLimit(wantCheckWorkers)
	for _, w := range wants {
		w := w
		g.Go(func() error {
			if _, err := t.storer.EncodedObject(plumbing.AnyObject, w); err != nil {
				return fmt.Errorf("%w: %s", ErrWantNotReceived, w)
			}
			return nil
		})
	}
	return g.Wait()
}
