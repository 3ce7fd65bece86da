// Package version implements the link-level version negotiator: a
// VersionHello/VersionAck exchange gating when Noise traffic may
// start. A peer that never answers stays without an agreed version; no
// timer falls back to LegacyVersion.
package version

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
)

// Current is the highest protocol version this implementation supports.
// Kept equal to wire.CurrentVersion: the codec has no v2 wire format defined
// yet, so there is nothing higher to negotiate toward.
const Current uint8 = 1

// Supported lists every protocol version this implementation can speak,
// highest first.
var Supported = []uint8{1}

// LegacyVersion is the oldest protocol version. Nothing in this module
// assigns it to a peer that stays silent.
const LegacyVersion uint8 = 1

// InitialLinkWindow is the length of a new link's initial window for a
// VersionHello. No code in this module reads it.
const InitialLinkWindow = 2 * time.Second

// RejectDisconnectDelay is the grace period before disconnecting a peer
// whose version was rejected.
const RejectDisconnectDelay = 1 * time.Second

// Hello is the first-contact version announcement.
type Hello struct {
	Supported []uint8
	Preferred uint8
}

// NewHello builds this implementation's outbound VersionHello.
func NewHello() Hello {
	return Hello{Supported: append([]uint8(nil), Supported...), Preferred: Current}
}

// Ack is the reply to a Hello, carrying the agreed version or a rejection.
type Ack struct {
	Agreed   uint8
	Rejected bool
	Reason   string
}

// Negotiate computes the reply to a received Hello: the highest version
// present in both Supported and the hello's Supported list.
func Negotiate(hello Hello) Ack {
	local := make(map[uint8]bool, len(Supported))
	for _, v := range Supported {
		local[v] = true
	}

	var common []uint8
	for _, v := range hello.Supported {
		if local[v] {
			common = append(common, v)
		}
	}
	if len(common) == 0 {
		return Ack{Rejected: true, Reason: "no common protocol version"}
	}

	sort.Slice(common, func(i, j int) bool { return common[i] > common[j] })
	return Ack{Agreed: common[0]}
}

// ErrMalformed is returned by DecodeHello/DecodeAck on a short or
// internally inconsistent buffer.
var ErrMalformed = errors.New("version: malformed payload")

// EncodeHello serializes a Hello for transmission as a VersionHello
// packet's payload: count:u8, that many supported versions, preferred:u8.
func EncodeHello(h Hello) []byte {
	buf := make([]byte, 0, 2+len(h.Supported))
	buf = append(buf, byte(len(h.Supported)))
	buf = append(buf, h.Supported...)
	buf = append(buf, h.Preferred)
	return buf
}

// DecodeHello parses the payload produced by EncodeHello.
func DecodeHello(b []byte) (Hello, error) {
	if len(b) < 2 {
		return Hello{}, ErrMalformed
	}
	n := int(b[0])
	if len(b) != 1+n+1 {
		return Hello{}, ErrMalformed
	}
	return Hello{Supported: append([]uint8(nil), b[1:1+n]...), Preferred: b[1+n]}, nil
}

// EncodeAck serializes an Ack for transmission as a VersionAck packet's
// payload: agreed:u8, rejected:u8 (0/1), reasonLen:u8, reason.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, 0, 3+len(a.Reason))
	buf = append(buf, a.Agreed)
	rejected := byte(0)
	if a.Rejected {
		rejected = 1
	}
	buf = append(buf, rejected, byte(len(a.Reason)))
	buf = append(buf, a.Reason...)
	return buf
}

// DecodeAck parses the payload produced by EncodeAck.
func DecodeAck(b []byte) (Ack, error) {
	if len(b) < 3 {
		return Ack{}, ErrMalformed
	}
	a := Ack{Agreed: b[0], Rejected: b[1] != 0}
	n := int(b[2])
	if len(b) != 3+n {
		return Ack{}, ErrMalformed
	}
	a.Reason = string(b[3 : 3+n])
	return a, nil
}

// Gate tracks, per remote peer-id, whether a protocol version has been
// agreed, so Noise traffic can be withheld until negotiation completes.
type Gate struct {
	mu     sync.Mutex
	agreed map[identity.PeerID]uint8
}

// NewGate creates an empty negotiation gate.
func NewGate() *Gate {
	return &Gate{agreed: make(map[identity.PeerID]uint8)}
}

// Agreed reports the version negotiated with peer, if any.
func (g *Gate) Agreed(peer identity.PeerID) (uint8, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.agreed[peer]
	return v, ok
}

// SetAgreed records the version negotiated with peer.
func (g *Gate) SetAgreed(peer identity.PeerID, v uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agreed[peer] = v
}

// Clear drops any negotiated version for peer, e.g. on rejection or
// disconnect.
func (g *Gate) Clear(peer identity.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.agreed, peer)
}
