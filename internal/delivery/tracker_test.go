package delivery

import (
	"testing"
	"time"
)

func TestPrivateMessageDeliveredOnSingleAck(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, nil)
	tr.TrackSend("m1", KindPrivate, nil, 1)
	tr.MarkSent("m1")

	state := tr.OnAck(Ack{AckID: "a1", OriginalMessageID: "m1", RecipientID: "bob"})
	if state != StateDelivered {
		t.Fatalf("state = %v, want Delivered", state)
	}
}

func TestChannelMessagePartiallyDeliveredBelowThreshold(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, nil)
	tr.TrackSend("m2", KindChannel, nil, 5) // threshold = ceil(5/2) = 3

	tr.OnAck(Ack{AckID: "a1", OriginalMessageID: "m2", RecipientID: "r1"})
	state := tr.OnAck(Ack{AckID: "a2", OriginalMessageID: "m2", RecipientID: "r2"})
	if state != StatePartiallyDelivered {
		t.Fatalf("state = %v, want PartiallyDelivered with 2/5 acked", state)
	}

	state = tr.OnAck(Ack{AckID: "a3", OriginalMessageID: "m2", RecipientID: "r3"})
	if state != StateDelivered {
		t.Fatalf("state = %v, want Delivered once threshold reached", state)
	}
}

func TestDuplicateAckIgnored(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, nil)
	tr.TrackSend("m3", KindChannel, nil, 5)

	tr.OnAck(Ack{AckID: "dup", OriginalMessageID: "m3", RecipientID: "r1"})
	state := tr.OnAck(Ack{AckID: "dup", OriginalMessageID: "m3", RecipientID: "r2"})
	if state != StatePartiallyDelivered {
		t.Fatalf("state = %v, want PartiallyDelivered (duplicate ack must not count a second recipient)", state)
	}
}

func TestReadReceiptOverridesState(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, nil)
	tr.TrackSend("m4", KindPrivate, nil, 1)
	tr.OnAck(Ack{AckID: "a1", OriginalMessageID: "m4", RecipientID: "bob"})

	state := tr.OnReadReceipt("m4", "r1")
	if state != StateRead {
		t.Fatalf("state = %v, want Read", state)
	}
}

func TestNonFavoriteTimesOutToFailed(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, nil)
	current := time.Now()
	tr.now = func() time.Time { return current }

	tr.TrackSend("m5", KindPrivate, nil, 1)
	current = current.Add(KindPrivate.timeout() + time.Second)
	tr.CheckTimeouts()

	state, ok := tr.State("m5")
	if !ok || state != StateFailed {
		t.Fatalf("state = %v, want Failed", state)
	}
}

func TestFavoritePrivateRetriesThenFails(t *testing.T) {
	t.Parallel()

	var retries []int
	retryFn := func(messageID string, payload []byte, attempt int) error {
		retries = append(retries, attempt)
		return nil
	}

	tr := NewTracker(retryFn, nil)
	current := time.Now()
	tr.now = func() time.Time { return current }

	tr.TrackSend("m6", KindFavoritePrivate, nil, 1)

	for i := 0; i < maxRetryAttempts; i++ {
		current = current.Add(24 * time.Hour) // well past any deadline
		tr.CheckTimeouts()
	}
	// One more timeout check should finally fail it, having exhausted retries.
	current = current.Add(24 * time.Hour)
	tr.CheckTimeouts()

	state, ok := tr.State("m6")
	if !ok || state != StateFailed {
		t.Fatalf("state = %v, want Failed after exhausting retries", state)
	}
	if len(retries) != maxRetryAttempts {
		t.Fatalf("got %d retries, want %d", len(retries), maxRetryAttempts)
	}
}

func TestDeliveredMessageIsNotRetried(t *testing.T) {
	t.Parallel()

	retried := false
	retryFn := func(messageID string, payload []byte, attempt int) error {
		retried = true
		return nil
	}

	tr := NewTracker(retryFn, nil)
	current := time.Now()
	tr.now = func() time.Time { return current }

	tr.TrackSend("m7", KindFavoritePrivate, nil, 1)
	tr.OnAck(Ack{AckID: "a1", OriginalMessageID: "m7", RecipientID: "bob"})

	current = current.Add(KindFavoritePrivate.timeout() + time.Second)
	tr.CheckTimeouts()

	if retried {
		t.Fatal("a delivered message should never be retried")
	}
}
