package identity

import (
	"crypto/rand"
	"encoding/hex"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// PeerIDSize is the byte length of an ephemeral peer-id.
	PeerIDSize = 8

	// rotationMin/rotationMax bound the randomized rotation interval:
	// rotated every 1-6h, plus jitter.
	rotationMin = 1 * time.Hour
	rotationMax = 6 * time.Hour

	// graceWindow is how long a previous peer-id is still considered ours
	// after rotation.
	graceWindow = 60 * time.Second
)

// PeerID is the 8-byte ephemeral identifier rendered as 16 hex chars.
type PeerID [PeerIDSize]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// PeerIDFromHex parses a peer-id's 16-hex-char String() rendering back into
// a PeerID.
func PeerIDFromHex(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PeerIDSize {
		return id, hex.ErrLength
	}
	copy(id[:], b)
	return id, nil
}

// Less reports whether p sorts lexicographically before other, used for the
// simultaneous-handshake initiator tie-break.
func (p PeerID) Less(other PeerID) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// newPeerID generates a peer-id as 4 bytes of CSPRNG followed by 4 bytes of
// low-order wall-clock milliseconds mixed into the tail, guaranteeing
// uniqueness even under a weak RNG.
func newPeerID(now time.Time) (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:4]); err != nil {
		return id, err
	}
	ms := uint64(now.UnixMilli())
	id[4] = byte(ms >> 24)
	id[5] = byte(ms >> 16)
	id[6] = byte(ms >> 8)
	id[7] = byte(ms)
	return id, nil
}

// HandshakeGuard reports whether peer-id rotation must be deferred because a
// handshake is currently in flight: rotation is deferred while any session
// is in Handshaking.
type HandshakeGuard interface {
	AnyHandshaking() bool
}

// Rotator owns the current and previous ephemeral peer-id for a local node,
// rotating on a jittered timer and retaining the previous id for a grace
// window.
type Rotator struct {
	mu sync.RWMutex

	current      PeerID
	previous     PeerID
	hasPrevious  bool
	rotatedAt    time.Time
	nextRotation time.Time

	guard HandshakeGuard
	now   func() time.Time
}

// NewRotator creates a Rotator with a freshly generated initial peer-id.
// guard may be nil, in which case rotation is never deferred.
func NewRotator(guard HandshakeGuard) (*Rotator, error) {
	r := &Rotator{guard: guard, now: time.Now}
	id, err := newPeerID(r.now())
	if err != nil {
		return nil, err
	}
	r.current = id
	r.rotatedAt = r.now()
	r.scheduleNext()
	return r, nil
}

func (r *Rotator) scheduleNext() {
	jitter := time.Duration(rand.Int64N(int64(rotationMax - rotationMin)))
	r.nextRotation = r.now().Add(rotationMin + jitter)
}

// Current returns the active peer-id.
func (r *Rotator) Current() PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// IsOurs reports whether id is the current peer-id, or the previous one
// within its grace window.
func (r *Rotator) IsOurs(id PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == r.current {
		return true
	}
	if r.hasPrevious && id == r.previous && r.now().Sub(r.rotatedAt) < graceWindow {
		return true
	}
	return false
}

// MaybeRotate rotates the peer-id if the schedule has elapsed and no
// handshake is in flight. It returns the new peer-id and true if a rotation
// happened.
func (r *Rotator) MaybeRotate() (PeerID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Before(r.nextRotation) {
		return r.current, false, nil
	}
	if r.guard != nil && r.guard.AnyHandshaking() {
		// Deferred; try again on the next tick without rescheduling.
		return r.current, false, nil
	}

	next, err := newPeerID(r.now())
	if err != nil {
		return r.current, false, err
	}

	r.previous = r.current
	r.hasPrevious = true
	r.current = next
	r.rotatedAt = r.now()
	r.scheduleNext()
	return r.current, true, nil
}
