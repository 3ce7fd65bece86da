package fragment

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestNeedsFragmenting(t *testing.T) {
	t.Parallel()

	if NeedsFragmenting(512) {
		t.Fatal("a 512-byte encoded packet must not be fragmented")
	}
	if !NeedsFragmenting(513) {
		t.Fatal("a 513-byte encoded packet must be fragmented")
	}
}

func TestSplitThenReassembleInOrder(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("x"), 1400)
	parts, err := Split(original, 0x04)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3 for a 1400-byte packet", len(parts))
	}
	if parts[0].Phase != PhaseStart || parts[1].Phase != PhaseContinue || parts[2].Phase != PhaseEnd {
		t.Fatalf("unexpected phase sequence: %v %v %v", parts[0].Phase, parts[1].Phase, parts[2].Phase)
	}

	r := NewReassembler(nil)
	var assembled []byte
	var originalType uint8
	var done bool
	for _, p := range parts {
		assembled, originalType, done, err = r.Add(p)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done {
		t.Fatal("reassembly should be complete after all parts are added")
	}
	if !bytes.Equal(assembled, original) {
		t.Fatal("reassembled bytes differ from the original")
	}
	if originalType != 0x04 {
		t.Fatalf("originalType = %d, want 4", originalType)
	}
}

func TestReassembleAnyPermutation(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("y"), 2200)
	parts, err := Split(original, 0x04)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	shuffled := append([]Part(nil), parts...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	r := NewReassembler(nil)
	var assembled []byte
	var done bool
	for _, p := range shuffled {
		assembled, _, done, err = r.Add(p)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done || !bytes.Equal(assembled, original) {
		t.Fatal("reassembly must be order-independent")
	}
}

func TestIncompleteSessionEvictsAfterTTL(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("z"), 1400)
	parts, err := Split(original, 0x04)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	r := NewReassembler(nil)
	current := time.Now()
	r.now = func() time.Time { return current }

	// Drop the middle fragment -- only Start and End arrive.
	if _, _, done, err := r.Add(parts[0]); err != nil || done {
		t.Fatalf("Add(start): done=%v err=%v", done, err)
	}
	if _, _, done, err := r.Add(parts[2]); err != nil || done {
		t.Fatalf("Add(end): done=%v err=%v", done, err)
	}
	if r.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", r.SessionCount())
	}

	current = current.Add(sessionTTL + time.Second)
	r.evictExpired()

	if r.SessionCount() != 0 {
		t.Fatal("incomplete session should be evicted after its TTL elapses")
	}
}

func Test21stConcurrentSessionEvictsOldest(t *testing.T) {
	t.Parallel()

	r := NewReassembler(nil)
	var firstID [8]byte

	for i := 0; i < maxSessions; i++ {
		p := Part{
			Phase:        PhaseStart,
			Index:        0,
			Total:        2,
			OriginalType: 0x04,
			Slice:        []byte("a"),
		}
		p.FragmentID[0] = byte(i)
		if i == 0 {
			firstID = p.FragmentID
		}
		if _, _, _, err := r.Add(p); err != nil {
			t.Fatalf("Add session %d: %v", i, err)
		}
	}
	if r.SessionCount() != maxSessions {
		t.Fatalf("SessionCount = %d, want %d", r.SessionCount(), maxSessions)
	}

	overflow := Part{
		Phase:        PhaseStart,
		Index:        0,
		Total:        2,
		OriginalType: 0x04,
		Slice:        []byte("a"),
	}
	overflow.FragmentID[0] = byte(maxSessions)
	if _, _, _, err := r.Add(overflow); err != nil {
		t.Fatalf("Add overflow session: %v", err)
	}

	if r.SessionCount() != maxSessions {
		t.Fatalf("SessionCount after overflow = %d, want %d (oldest evicted)", r.SessionCount(), maxSessions)
	}
	if _, ok := r.sessions[firstID]; ok {
		t.Fatal("oldest session should have been evicted to admit the 21st")
	}
}

func TestDuplicateIndexRejected(t *testing.T) {
	t.Parallel()

	original := bytes.Repeat([]byte("w"), 1400)
	parts, err := Split(original, 0x04)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	r := NewReassembler(nil)
	if _, _, _, err := r.Add(parts[0]); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, _, err := r.Add(parts[0]); err != ErrDuplicateIndex {
		t.Fatalf("got err %v, want ErrDuplicateIndex", err)
	}
}
