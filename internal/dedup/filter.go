// Package dedup implements the mesh duplicate-message filter:
// an adaptive Bloom filter backed by a bounded exact set, reset on a timer
// so memory stays flat regardless of mesh traffic volume.
package dedup

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
)

const (
	// minBloomItems is the smallest expected-item count the Bloom filter is
	// ever sized for, even with zero active peers.
	minBloomItems = 2000
	// resetInterval is how often the Bloom filter is rotated.
	resetInterval = 5 * time.Minute
	// targetFalsePositive is the Bloom filter's target false-positive rate.
	targetFalsePositive = 0.01
	// exactSetCap bounds the verification set independent of Bloom sizing.
	exactSetCap = 1000
)

// ID identifies a message for duplicate-suppression purposes: the sender's
// timestamp, its sender peer-id, a hash of the payload's first 64 bytes, and
// (for fragments) the packet type so the three fragment phases stay distinct.
type ID struct {
	Timestamp  uint64
	SenderID   [8]byte
	PayloadSig [16]byte
	PacketType uint8
}

func payloadSignature(payload []byte) [16]byte {
	n := len(payload)
	if n > 64 {
		n = 64
	}
	full := blake2s.Sum256(payload[:n])
	var sig [16]byte
	copy(sig[:], full[:16])
	return sig
}

// NewID builds the duplicate-suppression identity for a message.
func NewID(timestamp uint64, senderID [8]byte, payload []byte, packetType uint8) ID {
	return ID{
		Timestamp:  timestamp,
		SenderID:   senderID,
		PayloadSig: payloadSignature(payload),
		PacketType: packetType,
	}
}

// String returns a stable hex encoding of id, usable as a cross-node message
// correlation key (e.g. for delivery acks): sender and recipient both derive
// it from the same wire fields, so no separate message-id field needs to
// travel on the wire.
func (id ID) String() string {
	return hex.EncodeToString(id.bytes())
}

func (id ID) bytes() []byte {
	buf := make([]byte, 8+8+16+1)
	binary.BigEndian.PutUint64(buf[0:8], id.Timestamp)
	copy(buf[8:16], id.SenderID[:])
	copy(buf[16:32], id.PayloadSig[:])
	buf[32] = id.PacketType
	return buf
}

// ActivePeerCounter reports the current number of active mesh peers, used to
// size the next Bloom filter generation.
type ActivePeerCounter interface {
	ActivePeerCount() int
}

// Filter is a mesh-queue-confined duplicate detector: a Bloom filter sized to
// the current peer population, rotated every resetInterval, plus a small
// exact set for verifying positive Bloom matches. Not safe for concurrent use
// from more than one goroutine without the caller's own serialization (the
// mesh queue), but an internal mutex is kept as a defensive
// second line since tests may exercise it directly from multiple goroutines.
type Filter struct {
	mu        sync.Mutex
	bloom     *bloomFilter
	exact     []ID
	exactSet  map[ID]struct{}
	peers     ActivePeerCounter
	lastReset time.Time
	now       func() time.Time
}

// New creates a duplicate filter. peers may be nil, in which case the Bloom
// filter is always sized to minBloomItems.
func New(peers ActivePeerCounter) *Filter {
	f := &Filter{
		peers:    peers,
		exactSet: make(map[ID]struct{}, exactSetCap),
		now:      time.Now,
	}
	f.lastReset = f.now()
	f.bloom = newBloomFilter(f.expectedItems(), targetFalsePositive)
	return f
}

func (f *Filter) expectedItems() int {
	n := minBloomItems
	if f.peers != nil {
		if want := 2 * f.peers.ActivePeerCount(); want > n {
			n = want
		}
	}
	return n
}

// Seen reports whether id has already been observed, recording it as seen if
// not. It also performs the time-based Bloom rotation before testing
// membership.
func (f *Filter) Seen(id ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.maybeReset()

	b := id.bytes()
	if !f.bloom.test(b) {
		f.bloom.add(b)
		f.recordExact(id)
		return false
	}

	// Bloom says "maybe seen" -- verify against the exact set.
	if _, ok := f.exactSet[id]; ok {
		return true
	}

	// False positive: genuinely new, but the Bloom slot was already hot.
	f.recordExact(id)
	return false
}

func (f *Filter) recordExact(id ID) {
	if _, ok := f.exactSet[id]; ok {
		return
	}
	if len(f.exact) >= exactSetCap {
		oldest := f.exact[0]
		f.exact = f.exact[1:]
		delete(f.exactSet, oldest)
	}
	f.exact = append(f.exact, id)
	f.exactSet[id] = struct{}{}
}

func (f *Filter) maybeReset() {
	if f.now().Sub(f.lastReset) < resetInterval {
		return
	}
	f.bloom = newBloomFilter(f.expectedItems(), targetFalsePositive)
	f.exact = nil
	f.exactSet = make(map[ID]struct{}, exactSetCap)
	f.lastReset = f.now()
}

// Reset forces an immediate rotation, independent of the timer.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bloom = newBloomFilter(f.expectedItems(), targetFalsePositive)
	f.exact = nil
	f.exactSet = make(map[ID]struct{}, exactSetCap)
	f.lastReset = f.now()
}
