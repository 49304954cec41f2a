// Package estate holds the in-memory identity and session state for the
// local estate and each remote it has joined or is joining with.
package estate

import (
	"sync"

	"golang.org/x/crypto/ed25519"
)

// Acceptance is the trust decision governing whether a role's long-term
// keys are allowed to Join.
type Acceptance int

const (
	AcceptanceUnset Acceptance = iota
	AcceptancePending
	AcceptanceAccepted
	AcceptanceRejected
)

func (a Acceptance) String() string {
	switch a {
	case AcceptancePending:
		return "pending"
	case AcceptanceAccepted:
		return "accepted"
	case AcceptanceRejected:
		return "rejected"
	default:
		return "unset"
	}
}

// Tribool mirrors the {null, true, false} joined/allowed fields from the
// spec: a RemoteEstate may not yet have an opinion.
type Tribool int

const (
	Unknown Tribool = iota
	True
	False
)

// Local is the self estate: our own durable and ephemeral identity.
type Local struct {
	mu sync.RWMutex

	Name string
	UID  uint32
	HA   string // bind address, host:port
	AHA  string // advertised address
	FQDN string

	Signer ed25519.PrivateKey // long-term Ed25519 signing key
	Verfer ed25519.PublicKey

	Priver *[32]byte // long-term Curve25519 private key
	Pubber *[32]byte

	sid  uint32 // session id counter; 0 reserved for vacuous Join
	puid uint32 // next remote uid to assign
}

// NextSID returns the next nonzero session id, wrapping past 0.
func (l *Local) NextSID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sid++
	if l.sid == 0 {
		l.sid = 1
	}
	return l.sid
}

// SID returns the current session id without advancing it.
func (l *Local) SID() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sid
}

// SetSID forces the session id counter, used when restoring from Keep.
func (l *Local) SetSID(sid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sid = sid
}

// NextRemoteUID returns the next uid to assign to a newly joined remote.
func (l *Local) NextRemoteUID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.puid++
	return l.puid
}

// Remote is a peer estate: what we know about it, and its live session and
// transaction state.
type Remote struct {
	mu sync.RWMutex

	Name string
	UID  uint32 // local uid for this remote
	FUID uint32 // uid the remote has assigned to us; 0 until Join completes
	HA   string // peer address

	Role string // authorization identity, may be shared across remotes

	Verfer ed25519.PublicKey // peer long-term Ed25519 verify key
	Pubber *[32]byte         // peer long-term Curve25519 public key

	Acceptance Acceptance

	Joined  Tribool
	Allowed Tribool

	SID uint32 // remote's current session id as we know it
	TID uint32 // next transaction id initiated by us

	EphemeralPriv *[32]byte // our short-term box key for the live/last Allow
	EphemeralPub  *[32]byte
	PeerEphemeral *[32]byte // peer's short-term public key
	SessionKey    *[32]byte // derived box key, present only while allowed

	LastDoneMessageTID uint32 // tid of the last Message transaction fully delivered

	dirty bool
}

// NewRemote creates a RemoteEstate, either to initiate Join (explicit) or
// implicitly on receipt of a Join request.
func NewRemote(name, ha string) *Remote {
	return &Remote{Name: name, HA: ha, Joined: Unknown, Allowed: Unknown}
}

// NextTID returns the next transaction id to use when this side initiates.
func (r *Remote) NextTID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TID++
	r.dirty = true
	return r.TID
}

// MarkDirty flags the remote as needing a Keep dump.
func (r *Remote) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// Dirty reports and clears the dirty flag.
func (r *Remote) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

// SetJoined updates the joined tribool and marks the remote dirty.
func (r *Remote) SetJoined(v Tribool) {
	r.mu.Lock()
	r.Joined = v
	r.dirty = true
	r.mu.Unlock()
}

// SetAllowed updates the allowed tribool. Does not itself mark dirty: allowed
// is runtime-only per the spec and never persisted to Keep.
func (r *Remote) SetAllowed(v Tribool) {
	r.mu.Lock()
	r.Allowed = v
	r.mu.Unlock()
}

// Renew drops ephemeral session state while preserving long-term identity.
// The transaction and road packages do not call it: a renew reply only
// resets the remote's SID, and a new Allow overwrites the ephemeral and
// session keys in place.
func (r *Remote) Renew() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SessionKey != nil {
		for i := range r.SessionKey {
			r.SessionKey[i] = 0
		}
	}
	r.SessionKey = nil
	r.EphemeralPriv = nil
	r.EphemeralPub = nil
	r.PeerEphemeral = nil
	r.Allowed = Unknown
}

// IdentityMatches reports whether the given long-term keys match what this
// remote already has on record.
func (r *Remote) IdentityMatches(verfer ed25519.PublicKey, pubber *[32]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Verfer == nil || r.Pubber == nil {
		return true
	}
	if string(r.Verfer) != string(verfer) {
		return false
	}
	return *r.Pubber == *pubber
}

// AdoptIdentity overwrites the stored long-term keys, used by a mutable
// Stack on identity collision.
func (r *Remote) AdoptIdentity(verfer ed25519.PublicKey, pubber *[32]byte) {
	r.mu.Lock()
	r.Verfer = verfer
	r.Pubber = pubber
	r.dirty = true
	r.mu.Unlock()
}
