package noisecore

import (
	"bytes"
	"testing"
	"time"
)

// runHandshake drives a full three-message XX exchange between an initiator
// and a responder and returns both established sessions.
func runHandshake(t *testing.T) (initiatorSession, responderSession *Session) {
	t.Helper()

	aStatic, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(a): %v", err)
	}
	bStatic, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(b): %v", err)
	}

	a, err := NewHandshake(true, aStatic)
	if err != nil {
		t.Fatalf("NewHandshake(initiator): %v", err)
	}
	b, err := NewHandshake(false, bStatic)
	if err != nil {
		t.Fatalf("NewHandshake(responder): %v", err)
	}

	// -> e
	msg1, sess, err := a.WriteMessage(nil)
	if err != nil || sess != nil {
		t.Fatalf("a.WriteMessage#1: sess=%v err=%v", sess, err)
	}
	if _, sess, err = b.ReadMessage(msg1); err != nil || sess != nil {
		t.Fatalf("b.ReadMessage#1: sess=%v err=%v", sess, err)
	}

	// <- e, ee, s, es
	msg2, sess, err := b.WriteMessage(nil)
	if err != nil || sess != nil {
		t.Fatalf("b.WriteMessage#2: sess=%v err=%v", sess, err)
	}
	if _, sess, err = a.ReadMessage(msg2); err != nil || sess != nil {
		t.Fatalf("a.ReadMessage#2: sess=%v err=%v", sess, err)
	}

	// -> s, se
	msg3, aSess, err := a.WriteMessage(nil)
	if err != nil || aSess == nil {
		t.Fatalf("a.WriteMessage#3: sess=%v err=%v", aSess, err)
	}
	_, bSess, err := b.ReadMessage(msg3)
	if err != nil || bSess == nil {
		t.Fatalf("b.ReadMessage#3: sess=%v err=%v", bSess, err)
	}

	return aSess, bSess
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	t.Parallel()

	a, b := runHandshake(t)

	plaintext := []byte("hello over the mesh")
	ct, err := a.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("a.Encrypt: %v", err)
	}
	pt, err := b.Decrypt(ct)
	if err != nil {
		t.Fatalf("b.Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("decrypt_B(encrypt_A(m)) = %q, want %q", pt, plaintext)
	}

	// And the reverse direction.
	reply := []byte("hello back")
	ct2, err := b.Encrypt(reply)
	if err != nil {
		t.Fatalf("b.Encrypt: %v", err)
	}
	pt2, err := a.Decrypt(ct2)
	if err != nil {
		t.Fatalf("a.Decrypt: %v", err)
	}
	if !bytes.Equal(pt2, reply) {
		t.Fatalf("decrypt_A(encrypt_B(m)) = %q, want %q", pt2, reply)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	t.Parallel()

	a, b := runHandshake(t)

	ct, err := a.Encrypt([]byte("integrity check"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := b.Decrypt(tampered); err == nil {
		t.Fatal("decrypting a tampered ciphertext should fail")
	}
}

func TestEncryptDecryptBeforeEstablishmentFails(t *testing.T) {
	t.Parallel()

	var s *Session
	if _, err := s.Encrypt([]byte("x")); err != ErrSessionNotEstablished {
		t.Fatalf("got %v, want ErrSessionNotEstablished", err)
	}
	if _, err := s.Decrypt([]byte("x")); err != ErrSessionNotEstablished {
		t.Fatalf("got %v, want ErrSessionNotEstablished", err)
	}
}

func TestNeedsRekeyOnElapsedTime(t *testing.T) {
	t.Parallel()

	a, _ := runHandshake(t)
	if a.NeedsRekey(time.Now()) {
		t.Fatal("a fresh session should not need a rekey immediately")
	}
	if !a.NeedsRekey(a.EstablishedAt.Add(RekeyAfter + time.Second)) {
		t.Fatal("a session older than RekeyAfter should need a rekey")
	}
}

func TestNeedsRekeyOnMessageCount(t *testing.T) {
	t.Parallel()

	a, _ := runHandshake(t)
	for i := 0; i < RekeyAfterMessages; i++ {
		if _, err := a.Encrypt([]byte("m")); err != nil {
			t.Fatalf("Encrypt #%d: %v", i, err)
		}
	}
	if !a.NeedsRekey(time.Now()) {
		t.Fatal("a session that sent RekeyAfterMessages messages should need a rekey")
	}
}

func TestPeerStaticAvailableAfterMessageTwo(t *testing.T) {
	t.Parallel()

	aStatic, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bStatic, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a, _ := NewHandshake(true, aStatic)
	b, _ := NewHandshake(false, bStatic)

	msg1, _, _ := a.WriteMessage(nil)
	b.ReadMessage(msg1)
	msg2, _, _ := b.WriteMessage(nil)
	if _, _, err := a.ReadMessage(msg2); err != nil {
		t.Fatalf("a.ReadMessage#2: %v", err)
	}

	if !bytes.Equal(a.PeerStatic(), bStatic.Public) {
		t.Fatal("initiator should learn the responder's static public key after message 2")
	}
}
