package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

// establishPair drives a full handshake between two Managers, A as
// initiator and B as responder, and returns the peer-ids each side uses to
// refer to the other.
func establishPair(t *testing.T) (a, b *Manager, aToB, bToA identity.PeerID) {
	t.Helper()

	aID := newTestIdentity(t)
	bID := newTestIdentity(t)
	a = NewManager(aID, nil)
	b = NewManager(bID, nil)

	bToA = identity.PeerID{1}
	aToB = identity.PeerID{2}

	msg1, err := a.Initiate(aToB)
	if err != nil {
		t.Fatalf("a.Initiate: %v", err)
	}

	reply, established, err := b.Accept(bToA, msg1)
	if err != nil {
		t.Fatalf("b.Accept#1: %v", err)
	}
	if established {
		t.Fatal("b should not establish after the first message")
	}

	final, established, err := a.CompleteInitiatorHandshake(aToB, reply)
	if err != nil {
		t.Fatalf("a.CompleteInitiatorHandshake: %v", err)
	}
	if !established {
		t.Fatal("a should establish once it writes the third message")
	}

	_, established, err = b.Accept(bToA, final)
	if err != nil {
		t.Fatalf("b.Accept#2: %v", err)
	}
	if !established {
		t.Fatal("b should establish after the third message")
	}

	return a, b, aToB, bToA
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	t.Parallel()

	a, b, aToB, bToA := establishPair(t)

	entryA, ok := a.Get(aToB)
	if !ok || entryA.State != StateEstablished {
		t.Fatalf("a's entry state = %v, want established", entryA.State)
	}
	entryB, ok := b.Get(bToA)
	if !ok || entryB.State != StateEstablished {
		t.Fatalf("b's entry state = %v, want established", entryB.State)
	}
	if entryA.Fingerprint.IsZero() || entryB.Fingerprint.IsZero() {
		t.Fatal("both sides should learn the peer's fingerprint")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	a, b, aToB, bToA := establishPair(t)

	plaintext := []byte("private message")
	ct, err := a.Encrypt(aToB, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(bToA, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("got %q, want %q", pt, plaintext)
	}
}

func TestEncryptBeforeEstablishmentFails(t *testing.T) {
	t.Parallel()

	aID := newTestIdentity(t)
	a := NewManager(aID, nil)

	if _, err := a.Encrypt(identity.PeerID{9}, []byte("x")); err != ErrNotEstablished {
		t.Fatalf("got %v, want ErrNotEstablished", err)
	}
}

func TestSecondHandshakeAttemptSuppressedWithinWindow(t *testing.T) {
	t.Parallel()

	aID := newTestIdentity(t)
	a := NewManager(aID, nil)
	current := time.Now()
	a.now = func() time.Time { return current }

	target := identity.PeerID{5}
	if _, err := a.Initiate(target); err != nil {
		t.Fatalf("first Initiate: %v", err)
	}
	if _, err := a.Initiate(target); err != ErrHandshakeSuppressed {
		t.Fatalf("got %v, want ErrHandshakeSuppressed", err)
	}

	current = current.Add(handshakeSuppressWindow + time.Second)
	if _, err := a.Initiate(target); err != nil {
		t.Fatalf("Initiate after suppression window: %v", err)
	}
}

func TestMigratePreservesEstablishedSession(t *testing.T) {
	t.Parallel()

	a, b, aToB, bToA := establishPair(t)
	_ = a

	newBToA := identity.PeerID{42}
	if err := b.Migrate(bToA, newBToA); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if _, ok := b.Get(bToA); ok {
		t.Fatal("old peer-id entry should be gone after migrate")
	}
	entry, ok := b.Get(newBToA)
	if !ok || entry.State != StateEstablished {
		t.Fatal("migrated entry should retain established state")
	}

	ct, err := a.Encrypt(aToB, []byte("still works"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(newBToA, ct)
	if err != nil {
		t.Fatalf("Decrypt after migrate: %v", err)
	}
	if string(pt) != "still works" {
		t.Fatalf("got %q", pt)
	}
}

func TestShouldInitiateTieBreak(t *testing.T) {
	t.Parallel()

	small := identity.PeerID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	large := identity.PeerID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe}

	if !ShouldInitiate(small, large) {
		t.Fatal("the lexicographically smaller peer-id should initiate")
	}
	if ShouldInitiate(large, small) {
		t.Fatal("the lexicographically larger peer-id should not initiate")
	}
}
