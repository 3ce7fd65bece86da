// Package noisecore implements the per-peer Noise-XX handshake state
// machine and transport cipher: pattern XX over X25519 with
// ChaCha20-Poly1305 and SHA-256, producing two derived transport cipher
// states with strictly monotonic 64-bit nonces.
package noisecore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
)

const (
	// RekeyAfter is the elapsed-time rekey trigger.
	RekeyAfter = time.Hour
	// RekeyAfterMessages is the sent-message-count rekey trigger.
	RekeyAfterMessages = 10_000
	// ProtocolName documents the concrete Noise protocol string this package
	// implements, matching the cipher suite wired below.
	ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var (
	// ErrHandshakeFailed covers any failure to complete the three-message XX
	// exchange (bad message, authentication failure, wrong pattern state).
	ErrHandshakeFailed = errors.New("noisecore: handshake failed")
	// ErrDecryptFailed is returned when a transport ciphertext fails to
	// authenticate.
	ErrDecryptFailed = errors.New("noisecore: decrypt failed")
	// ErrNonceExhausted is returned once a send nonce would wrap past the
	// 64-bit space.
	ErrNonceExhausted = errors.New("noisecore: nonce exhausted")
	// ErrSessionNotEstablished is returned by Encrypt/Decrypt before the
	// handshake has completed.
	ErrSessionNotEstablished = errors.New("noisecore: session not established")
	// ErrHandshakeNotComplete is returned by WriteMessage/ReadMessage once
	// the pattern's three messages have all been exchanged.
	ErrHandshakeNotComplete = errors.New("noisecore: handshake already complete")
)

// KeyPair is a Curve25519 keypair in the shape flynn/noise expects.
type KeyPair = noise.DHKey

// GenerateKeyPair creates a fresh static X25519 keypair for Noise.
func GenerateKeyPair() (KeyPair, error) {
	return cipherSuite.GenerateKeypair(nil)
}

// Handshake drives one side of a Noise-XX exchange. Message order for the
// initiator is write, read, write; for the responder, read, write, read.
type Handshake struct {
	state       *noise.HandshakeState
	isInitiator bool
	msgIndex    int
}

// NewHandshake starts a Noise-XX handshake as either the initiator or the
// responder, using the local static keypair. The XX pattern exchanges
// static keys as part of the handshake, so no remote static key is needed
// up front (unlike IK).
func NewHandshake(isInitiator bool, localStatic KeyPair) (*Handshake, error) {
	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        nil, // crypto/rand via flynn/noise default
		Pattern:       noise.HandshakeXX,
		Initiator:     isInitiator,
		StaticKeypair: localStatic,
	}
	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &Handshake{state: state, isInitiator: isInitiator}, nil
}

// writeStep reports whether the handshake's current message index is one
// this side writes (true) or reads (false), for the XX pattern.
func (h *Handshake) writeStep() bool {
	// XX is three messages: -> e, <- e,ee,s,es, -> s,se.
	// Initiator writes messages 0 and 2; responder writes message 1.
	if h.isInitiator {
		return h.msgIndex%2 == 0
	}
	return h.msgIndex%2 == 1
}

// WriteMessage produces the next outbound handshake message, optionally
// carrying payload (typically empty for this protocol). It returns the
// completed Session once the third message has been processed.
func (h *Handshake) WriteMessage(payload []byte) (msg []byte, session *Session, err error) {
	if h.state == nil {
		return nil, nil, ErrHandshakeNotComplete
	}
	if !h.writeStep() {
		return nil, nil, fmt.Errorf("%w: expected read, got write", ErrHandshakeFailed)
	}

	out, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	h.msgIndex++

	if cs1 != nil && cs2 != nil {
		session = newSession(h.isInitiator, cs1, cs2)
		h.state = nil
	}
	return out, session, nil
}

// ReadMessage consumes the next inbound handshake message. It returns the
// completed Session once the handshake finishes.
func (h *Handshake) ReadMessage(msg []byte) (payload []byte, session *Session, err error) {
	if h.state == nil {
		return nil, nil, ErrHandshakeNotComplete
	}
	if h.writeStep() {
		return nil, nil, fmt.Errorf("%w: expected write, got read", ErrHandshakeFailed)
	}

	payload, cs1, cs2, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	h.msgIndex++

	if cs1 != nil && cs2 != nil {
		session = newSession(h.isInitiator, cs1, cs2)
		h.state = nil
	}
	return payload, session, nil
}

// PeerStatic returns the remote static public key once it has been
// transmitted as part of the XX exchange (available after message 2).
func (h *Handshake) PeerStatic() []byte {
	if h.state == nil {
		return nil
	}
	return h.state.PeerStatic()
}

// Session holds the two derived transport cipher states for an established
// Noise-XX exchange, one per direction, each with its own monotonic nonce.
type Session struct {
	EstablishedAt time.Time

	send     *noise.CipherState
	recv     *noise.CipherState
	sendN    atomic.Uint64
	recvMu   sync.Mutex
	sentMsgs atomic.Uint64
}

func newSession(isInitiator bool, cs1, cs2 *noise.CipherState) *Session {
	s := &Session{EstablishedAt: time.Now()}
	// flynn/noise returns (cs1, cs2) where cs1 is "initiator writes with",
	// cs2 is "responder writes with" for the XX pattern's final state.
	if isInitiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	return s
}

// Encrypt authenticates and encrypts plaintext, advancing the send nonce.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s == nil || s.send == nil {
		return nil, ErrSessionNotEstablished
	}
	if s.sendN.Load() == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	ct := s.send.Encrypt(nil, nil, plaintext)
	s.sendN.Add(1)
	s.sentMsgs.Add(1)
	return ct, nil
}

// Decrypt authenticates and decrypts ciphertext, advancing the receive
// nonce. flynn/noise's CipherState tracks its own nonce internally and
// rejects replays/gaps per the underlying ChaCha20-Poly1305 AEAD sequence.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if s == nil || s.recv == nil {
		return nil, ErrSessionNotEstablished
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	pt, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, nil
}

// SentMessages returns the number of messages encrypted since
// establishment, for rekey scheduling.
func (s *Session) SentMessages() uint64 {
	return s.sentMsgs.Load()
}

// NeedsRekey reports whether the session has crossed its allowed elapsed
// time or message count thresholds.
func (s *Session) NeedsRekey(now time.Time) bool {
	if now.Sub(s.EstablishedAt) >= RekeyAfter {
		return true
	}
	return s.SentMessages() >= RekeyAfterMessages
}
