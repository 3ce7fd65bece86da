package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"
)

// ErrInvalidSignature is returned when an IdentityAnnounce's signature does
// not verify against its claimed signing key.
var ErrInvalidSignature = errors.New("identity: invalid signature")

// Announce is the signed identity binding distributed as an
// IdentityAnnounce packet:
// {peerID, fingerprint, staticPubKey, nickname, timestamp, signature}.
type Announce struct {
	PeerID        PeerID
	Fingerprint   Fingerprint
	StaticPubKey  [DHPublicKeySize]byte
	SigningPubKey ed25519.PublicKey
	Nickname      string
	Timestamp     uint64 // ms since epoch
	Signature     []byte // ed25519.SignatureSize bytes
}

// signedBytes returns peerID‖staticPubKey‖timestamp, the exact material the
// Ed25519 signature covers.
func signedBytes(peerID PeerID, staticPubKey [DHPublicKeySize]byte, timestamp uint64) []byte {
	buf := make([]byte, PeerIDSize+DHPublicKeySize+8)
	copy(buf[:PeerIDSize], peerID[:])
	copy(buf[PeerIDSize:PeerIDSize+DHPublicKeySize], staticPubKey[:])
	binary.BigEndian.PutUint64(buf[PeerIDSize+DHPublicKeySize:], timestamp)
	return buf
}

// NewAnnounce builds and signs an IdentityAnnounce for the current peer-id.
func (id *Identity) NewAnnounce(peerID PeerID, nickname string, now time.Time) Announce {
	ts := uint64(now.UnixMilli())
	sig := ed25519.Sign(id.SigningPrivateKey, signedBytes(peerID, id.DHPublicKey, ts))
	return Announce{
		PeerID:        peerID,
		Fingerprint:   id.Fingerprint,
		StaticPubKey:  id.DHPublicKey,
		SigningPubKey: id.SigningPublicKey,
		Nickname:      nickname,
		Timestamp:     ts,
		Signature:     sig,
	}
}

// Verify checks the announce's Ed25519 signature against its own claimed
// signing public key.
func (a Announce) Verify() error {
	if len(a.Signature) != ed25519.SignatureSize || len(a.SigningPubKey) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(a.SigningPubKey, signedBytes(a.PeerID, a.StaticPubKey, a.Timestamp), a.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ErrMalformedAnnounce is returned by DecodeAnnounce on a short or
// internally inconsistent buffer.
var ErrMalformedAnnounce = errors.New("identity: malformed announce")

// announceFixedSize is every Encode field up to and including the
// nickname-length byte.
const announceFixedSize = PeerIDSize + FingerprintSize + DHPublicKeySize + ed25519.PublicKeySize + 1

// Encode serializes the announce for transmission as a
// NoiseIdentityAnnounce packet's payload: peerID‖fingerprint‖staticPubKey‖
// signingPubKey‖nicknameLen:u8‖nickname‖timestamp:u64‖signature.
func (a Announce) Encode() []byte {
	buf := make([]byte, 0, announceFixedSize+len(a.Nickname)+8+ed25519.SignatureSize)
	buf = append(buf, a.PeerID[:]...)
	buf = append(buf, a.Fingerprint[:]...)
	buf = append(buf, a.StaticPubKey[:]...)
	buf = append(buf, a.SigningPubKey...)
	buf = append(buf, byte(len(a.Nickname)))
	buf = append(buf, a.Nickname...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, a.Timestamp)
	buf = append(buf, ts...)
	buf = append(buf, a.Signature...)
	return buf
}

// DecodeAnnounce parses the payload produced by Announce.Encode.
func DecodeAnnounce(b []byte) (Announce, error) {
	if len(b) < announceFixedSize {
		return Announce{}, ErrMalformedAnnounce
	}
	var a Announce
	i := 0
	copy(a.PeerID[:], b[i:i+PeerIDSize])
	i += PeerIDSize
	copy(a.Fingerprint[:], b[i:i+FingerprintSize])
	i += FingerprintSize
	copy(a.StaticPubKey[:], b[i:i+DHPublicKeySize])
	i += DHPublicKeySize
	a.SigningPubKey = append(ed25519.PublicKey(nil), b[i:i+ed25519.PublicKeySize]...)
	i += ed25519.PublicKeySize
	nickLen := int(b[i])
	i++
	if len(b) < i+nickLen+8 {
		return Announce{}, ErrMalformedAnnounce
	}
	a.Nickname = string(b[i : i+nickLen])
	i += nickLen
	a.Timestamp = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	a.Signature = append([]byte(nil), b[i:]...)
	return a, nil
}
