package version

import "testing"

func TestNegotiatePicksHighestCommonVersion(t *testing.T) {
	t.Parallel()

	ack := Negotiate(Hello{Supported: []uint8{1, 2, 3}, Preferred: 3})
	if ack.Rejected {
		t.Fatalf("unexpected rejection: %s", ack.Reason)
	}
	if ack.Agreed != 1 {
		t.Fatalf("Agreed = %d, want 1 (highest version this implementation also supports)", ack.Agreed)
	}
}

func TestNegotiateRejectsWithNoCommonVersion(t *testing.T) {
	t.Parallel()

	ack := Negotiate(Hello{Supported: []uint8{99}, Preferred: 99})
	if !ack.Rejected {
		t.Fatal("expected rejection when there is no common version")
	}
	if ack.Reason == "" {
		t.Fatal("a rejection should carry a reason")
	}
}

func TestNegotiateAgreesOnLegacyVersion(t *testing.T) {
	t.Parallel()

	ack := Negotiate(Hello{Supported: []uint8{1}, Preferred: 1})
	if ack.Rejected {
		t.Fatalf("unexpected rejection: %s", ack.Reason)
	}
	if ack.Agreed != LegacyVersion {
		t.Fatalf("Agreed = %d, want %d", ack.Agreed, LegacyVersion)
	}
}

func TestNewHelloAdvertisesCurrentAsPreferred(t *testing.T) {
	t.Parallel()

	h := NewHello()
	if h.Preferred != Current {
		t.Fatalf("Preferred = %d, want %d", h.Preferred, Current)
	}
	found := false
	for _, v := range h.Supported {
		if v == Current {
			found = true
		}
	}
	if !found {
		t.Fatal("Supported should include Current")
	}
}
