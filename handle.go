// Package radfetch drives one side of a peer-to-peer Git replication
// exchange: given a remote's public key and an opaque
// bidirectional stream, it clones or pulls the remote's identity and
// content refs into a local ref/object store, applying the
// verification, trust, and pruning rules the rest of this module's
// packages implement.
package radfetch

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sourcehut-collab/radfetch/identity"
	"github.com/sourcehut-collab/radfetch/odb"
	"github.com/sourcehut-collab/radfetch/pk"
	"github.com/sourcehut-collab/radfetch/refdb"
	"github.com/sourcehut-collab/radfetch/sigrefs"
	"github.com/sourcehut-collab/radfetch/track"
	"github.com/sourcehut-collab/radfetch/transport"
)

// UserInfo identifies the local peer driving a Handle, used to
// attribute reflog entries for any refs an exchange updates.
type UserInfo struct {
	Alias     string
	PublicKey pk.PublicKey
}

// Signature derives the committer signature for a UserInfo: name is
// the alias, email embeds the hex-encoded public key, and time is the
// caller-supplied moment the exchange committed.
func (u UserInfo) Signature(at time.Time) refdb.Signature {
	return refdb.Signature{
		Name:  u.Alias,
		Email: fmt.Sprintf("%s@%s", u.Alias, u.PublicKey.String()),
		When:  at,
	}
}

// FetchLimit bounds the size, in bytes, of the packfile each round of
// an exchange may receive: Peek for the verification-refs round, Data
// for the data-refs round. A Handle applies Peek to the
// Clone/FetchVerificationRefs steps and Data to FetchDataRefs.
type FetchLimit struct {
	Peek uint64
	Data uint64
}

// DefaultFetchLimit allows 5 MiB for identity/signed-refs rounds and
// 5 GiB for content.
var DefaultFetchLimit = FetchLimit{Peek: 5 << 20, Data: 5 << 30}

// Options configures a Handle. Logger defaults to log.Default() and
// Limit to DefaultFetchLimit when left zero.
type Options struct {
	User   UserInfo
	Limit  FetchLimit
	Logger *log.Logger
}

// Sentinel errors surfaced to the caller.
var (
	// ErrReplicateSelf is returned when the exchange's remote is the
	// Handle's own public key.
	ErrReplicateSelf = errors.New("radfetch: cannot replicate with self")
	// ErrMissingRadId is returned on a pull when neither the
	// namespaced nor the canonical refs/rad/id can be resolved.
	ErrMissingRadId = errors.New("radfetch: missing refs/rad/id")
)

// HandshakeError wraps a transport handshake failure.
type HandshakeError struct{ Err error }

func (e *HandshakeError) Error() string { return fmt.Sprintf("radfetch: handshake: %v", e.Err) }
func (e *HandshakeError) Unwrap() error { return e.Err }

// IdentityError wraps a failure verifying an identity document.
type IdentityError struct{ Err error }

func (e *IdentityError) Error() string { return fmt.Sprintf("radfetch: identity: %v", e.Err) }
func (e *IdentityError) Unwrap() error { return e.Err }

// ProtocolError wraps a malformed-advertisement or negotiation failure
// that must abort the exchange before anything commits.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("radfetch: protocol: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("radfetch: protocol: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Handle drives one replication exchange at a time against a single
// remote connection. Its collaborators -- the ref/object stores, the
// identity oracle, the tracking policy, and the signed-refs store --
// are all external to this package; storage and verification stay the
// caller's responsibility.
type Handle struct {
	Local pk.PublicKey

	Refs       *refdb.Storage
	Objects    *odb.ODB
	Identities identity.Oracle
	Tracking   track.Oracle
	Sigrefs    sigrefs.Store

	Options Options

	// mu guards current, set for the duration of one Exchange so a
	// concurrent caller can interrupt a stuck fetch. The Handle owner,
	// not the replication goroutine itself, is expected to call
	// InterruptPackWriter from elsewhere.
	mu      sync.Mutex
	current *transport.Transport
}

// InterruptPackWriter asks the Transport driving the in-progress
// Exchange, if any, to abort its current pack write at the next read.
// Safe to call from a goroutine other than the one running Exchange;
// a no-op if no Exchange is currently in flight on this Handle.
func (h *Handle) InterruptPackWriter() {
	h.mu.Lock()
	cur := h.current
	h.mu.Unlock()
	if cur != nil {
		cur.Interrupt()
	}
}

func (h *Handle) setCurrent(tr *transport.Transport) {
	h.mu.Lock()
	h.current = tr
	h.mu.Unlock()
}

func (h *Handle) clearCurrent() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

// New builds a Handle, filling in Options defaults (log.Default(),
// DefaultFetchLimit) where the caller left them zero.
func New(local pk.PublicKey, refs *refdb.Storage, objects *odb.ODB, identities identity.Oracle, tracking track.Oracle, sigs sigrefs.Store, opts Options) *Handle {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Limit == (FetchLimit{}) {
		opts.Limit = DefaultFetchLimit
	}
	return &Handle{
		Local:      local,
		Refs:       refs,
		Objects:    objects,
		Identities: identities,
		Tracking:   tracking,
		Sigrefs:    sigs,
		Options:    opts,
	}
}

func (h *Handle) logger() *log.Logger {
	if h.Options.Logger != nil {
		return h.Options.Logger
	}
	return log.Default()
}
