// Package session implements the Session Manager: a table of
// per-fingerprint Noise-XX sessions keyed by the peer's current ephemeral
// peer-id, with handshake tie-break, rekey scheduling, and migration across
// peer-id rotation.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/noisecore"
)

// State is where a per-peer session sits in its lifecycle.
type State int

const (
	StateNone State = iota
	StateHandshaking
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of a handshake this process is playing.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

var (
	// ErrHandshakeSuppressed is returned when a second handshake attempt
	// arrives within the 5s suppression window.
	ErrHandshakeSuppressed = errors.New("session: handshake attempt suppressed")
	// ErrUnknownSession is returned by operations on a peer-id with no entry.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrNotEstablished is returned by encrypt/decrypt before handshake
	// completion.
	ErrNotEstablished = errors.New("session: not established")
	// ErrAlreadyEstablished guards against re-initiating over a live session.
	ErrAlreadyEstablished = errors.New("session: already established")
)

const handshakeSuppressWindow = 5 * time.Second

// Entry is one peer's session-table row, keyed by its current peer-id but
// uniquely identified across rotations by Fingerprint.
type Entry struct {
	PeerID      identity.PeerID
	Fingerprint identity.Fingerprint
	State       State
	Role        Role

	handshake *noisecore.Handshake
	noise     *noisecore.Session

	CreatedAt      time.Time
	LastHandshakeAttempt time.Time
	MessagesSent   uint64
	LastRekey      time.Time
}

// Manager owns every peer's session, confined to the mesh queue;
// an internal mutex is kept as a defensive second line.
type Manager struct {
	mu       sync.RWMutex
	byPeerID map[identity.PeerID]*Entry
	local    *identity.Identity
	log      *slog.Logger
	now      func() time.Time
}

// NewManager creates an empty session table for the given local identity.
func NewManager(local *identity.Identity, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		byPeerID: make(map[identity.PeerID]*Entry),
		local:    local,
		log:      log.With("component", "session"),
		now:      time.Now,
	}
}

// AnyHandshaking implements identity.HandshakeGuard, so peer-id rotation can
// defer while a handshake is in flight.
func (m *Manager) AnyHandshaking() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.byPeerID {
		if e.State == StateHandshaking {
			return true
		}
	}
	return false
}

// ShouldInitiate applies the simultaneous-handshake tie-break: the peer with
// the lexicographically smaller peer-id is the initiator.
func ShouldInitiate(local, remote identity.PeerID) bool {
	return local.Less(remote)
}

// Initiate starts a local-initiated handshake toward remotePeerID. It
// returns the first handshake message to send.
func (m *Manager) Initiate(remotePeerID identity.PeerID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPeerID[remotePeerID]; ok {
		if e.State == StateEstablished {
			return nil, ErrAlreadyEstablished
		}
		if m.now().Sub(e.LastHandshakeAttempt) < handshakeSuppressWindow {
			return nil, ErrHandshakeSuppressed
		}
	}

	hs, err := noisecore.NewHandshake(true, noisecore.KeyPair{
		Private: m.local.DHPrivateKey[:],
		Public:  m.local.DHPublicKey[:],
	})
	if err != nil {
		return nil, err
	}

	msg, sess, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return nil, errors.New("session: handshake completed on first message unexpectedly")
	}

	m.byPeerID[remotePeerID] = &Entry{
		PeerID:               remotePeerID,
		State:                StateHandshaking,
		Role:                 RoleInitiator,
		handshake:            hs,
		CreatedAt:            m.now(),
		LastHandshakeAttempt: m.now(),
	}
	return msg, nil
}

// Accept processes an inbound handshake message from remotePeerID, creating
// a responder entry if one does not already exist, and returns any reply
// bytes to send back. When the handshake completes, established reports
// true.
func (m *Manager) Accept(remotePeerID identity.PeerID, msg []byte) (reply []byte, established bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPeerID[remotePeerID]
	if !ok {
		hs, herr := noisecore.NewHandshake(false, noisecore.KeyPair{
			Private: m.local.DHPrivateKey[:],
			Public:  m.local.DHPublicKey[:],
		})
		if herr != nil {
			return nil, false, herr
		}
		e = &Entry{
			PeerID:               remotePeerID,
			State:                StateHandshaking,
			Role:                 RoleResponder,
			handshake:            hs,
			CreatedAt:            m.now(),
			LastHandshakeAttempt: m.now(),
		}
		m.byPeerID[remotePeerID] = e
	}

	_, sess, err := e.handshake.ReadMessage(msg)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		m.establish(e, sess)
		return nil, true, nil
	}

	reply, sess2, err := e.handshake.WriteMessage(nil)
	if err != nil {
		return nil, false, err
	}
	if sess2 != nil {
		m.establish(e, sess2)
		return reply, true, nil
	}
	return reply, false, nil
}

// CompleteInitiatorHandshake feeds the responder's reply message into an
// in-flight initiator handshake, completing it.
func (m *Manager) CompleteInitiatorHandshake(remotePeerID identity.PeerID, msg []byte) (final []byte, established bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPeerID[remotePeerID]
	if !ok || e.handshake == nil {
		return nil, false, ErrUnknownSession
	}

	_, sess, err := e.handshake.ReadMessage(msg)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		m.establish(e, sess)
		return nil, true, nil
	}

	final, sess2, err := e.handshake.WriteMessage(nil)
	if err != nil {
		return nil, false, err
	}
	if sess2 != nil {
		m.establish(e, sess2)
		return final, true, nil
	}
	return final, false, nil
}

func (m *Manager) establish(e *Entry, sess *noisecore.Session) {
	peerStatic := e.handshake.PeerStatic()
	e.Fingerprint = identity.FingerprintFromPublicKey(peerStatic)
	e.noise = sess
	e.State = StateEstablished
	e.handshake = nil
	e.LastRekey = m.now()
	m.log.Info("session established", "peer_id", e.PeerID, "fingerprint", e.Fingerprint)
}

// Encrypt encrypts plaintext for the established session bound to peerID.
func (m *Manager) Encrypt(peerID identity.PeerID, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPeerID[peerID]
	if !ok || e.State != StateEstablished {
		return nil, ErrNotEstablished
	}
	ct, err := e.noise.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	e.MessagesSent++
	return ct, nil
}

// Decrypt decrypts ciphertext using the established session bound to
// peerID.
func (m *Manager) Decrypt(peerID identity.PeerID, ciphertext []byte) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.byPeerID[peerID]
	m.mu.RUnlock()
	if !ok || e.State != StateEstablished {
		return nil, ErrNotEstablished
	}
	return e.noise.Decrypt(ciphertext)
}

// NeedsRekey reports whether the established session bound to peerID has
// crossed the elapsed-time or message-count rekey thresholds.
func (m *Manager) NeedsRekey(peerID identity.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byPeerID[peerID]
	if !ok || e.State != StateEstablished {
		return false
	}
	return e.noise.NeedsRekey(m.now())
}

// Rekey re-initiates a fresh Noise-XX handshake over an already-established
// entry that has crossed its rekey threshold, preserving the peer's
// fingerprint binding across the new handshake. It returns the first
// handshake message to send.
func (m *Manager) Rekey(peerID identity.PeerID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPeerID[peerID]
	if !ok || e.State != StateEstablished {
		return nil, ErrUnknownSession
	}
	if m.now().Sub(e.LastHandshakeAttempt) < handshakeSuppressWindow {
		return nil, ErrHandshakeSuppressed
	}

	hs, err := noisecore.NewHandshake(true, noisecore.KeyPair{
		Private: m.local.DHPrivateKey[:],
		Public:  m.local.DHPublicKey[:],
	})
	if err != nil {
		return nil, err
	}
	msg, sess, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return nil, errors.New("session: handshake completed on first message unexpectedly")
	}

	e.State = StateHandshaking
	e.Role = RoleInitiator
	e.handshake = hs
	e.LastHandshakeAttempt = m.now()
	return msg, nil
}

// PeerIDForFingerprint returns the peer-id currently bound to fingerprint,
// if any session entry for it exists. Used to locate the stale entry to
// migrate when an IdentityAnnounce arrives under a new peer-id.
func (m *Manager) PeerIDForFingerprint(fp identity.Fingerprint) (identity.PeerID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, e := range m.byPeerID {
		if e.Fingerprint == fp {
			return id, true
		}
	}
	return identity.PeerID{}, false
}

// Migrate moves a session from oldPeerID to newPeerID, preserving its
// established cipher state, on receipt of a new IdentityAnnounce binding
// for the same fingerprint under a different peer-id.
func (m *Manager) Migrate(oldPeerID, newPeerID identity.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byPeerID[oldPeerID]
	if !ok {
		return ErrUnknownSession
	}
	e.PeerID = newPeerID
	delete(m.byPeerID, oldPeerID)
	m.byPeerID[newPeerID] = e
	m.log.Info("session migrated", "from", oldPeerID, "to", newPeerID, "fingerprint", e.Fingerprint)
	return nil
}

// Remove drops the session entry for peerID entirely.
func (m *Manager) Remove(peerID identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPeerID, peerID)
}

// Get returns a snapshot copy of the entry for peerID, if any.
func (m *Manager) Get(peerID identity.PeerID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byPeerID[peerID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// FingerprintOf returns the fingerprint bound to peerID, if established.
func (m *Manager) FingerprintOf(peerID identity.PeerID) (identity.Fingerprint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byPeerID[peerID]
	if !ok || e.State != StateEstablished {
		return identity.Fingerprint{}, false
	}
	return e.Fingerprint, true
}

// ActivePeerCount returns the number of peer-ids with any session entry,
// used by the dedup package to size its Bloom filter.
func (m *Manager) ActivePeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPeerID)
}

// Snapshot returns a copy of every session-table row, for diagnostics.
func (m *Manager) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.byPeerID))
	for _, e := range m.byPeerID {
		out = append(out, *e)
	}
	return out
}
