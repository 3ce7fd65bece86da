// Package delivery implements the Delivery Tracker: per
// outbound user message send/delivered/read/failed state, timeouts, and the
// favorite-only retry policy.
package delivery

import (
	"log/slog"
	"sync"
	"time"
)

// State is a message's position in its delivery lifecycle.
type State int

const (
	StateSending State = iota
	StateSent
	StateDelivered
	StatePartiallyDelivered
	StateRead
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StatePartiallyDelivered:
		return "partially_delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind distinguishes the timeout/retry class of an outbound message.
type Kind int

const (
	KindPrivate Kind = iota
	KindChannel
	KindFavoritePrivate
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindFavoritePrivate:
		return "favorite_private"
	default:
		return "private"
	}
}

// timeout returns each Kind's delivery timeout.
func (k Kind) timeout() time.Duration {
	switch k {
	case KindChannel:
		return 60 * time.Second
	case KindFavoritePrivate:
		return 300 * time.Second
	default:
		return 30 * time.Second
	}
}

const (
	maxRetryAttempts = 3
	retryBaseDelay   = 2 * time.Second
)

// retryDelay returns the delay before retry attempt k (0-indexed): base*2^k.
func retryDelay(k int) time.Duration {
	return retryBaseDelay << uint(k)
}

// Ack is a DeliveryAck received for a tracked message.
type Ack struct {
	AckID             string
	OriginalMessageID string
	RecipientID       string
	RecipientNick     string
	HopCount          uint8
}

type tracked struct {
	messageID  string
	kind       Kind
	payload    []byte
	state      State
	sentAt     time.Time
	deadline   time.Time
	expected   int
	ackedBy    map[string]struct{}
	seenAckIDs map[string]struct{}
	attempts   int
}

func (t *tracked) expectedThreshold() int {
	// ceil(expected/2), floor at 1.
	if t.expected <= 0 {
		return 1
	}
	th := (t.expected + 1) / 2
	if th < 1 {
		th = 1
	}
	return th
}

// RetryFunc re-transmits the original encoded packet for a timed-out
// favorite private message, preserving its message id and timestamp.
type RetryFunc func(messageID string, payload []byte, attempt int) error

// Tracker owns all in-flight outbound message delivery state, confined to
// the mesh queue; an internal mutex is kept as a defensive second
// line for direct test use.
type Tracker struct {
	mu      sync.Mutex
	byID    map[string]*tracked
	log     *slog.Logger
	now     func() time.Time
	retry   RetryFunc
}

// NewTracker creates an empty Tracker. retry may be nil if favorite-message
// retry is not wired up by the caller.
func NewTracker(retry RetryFunc, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		byID:  make(map[string]*tracked),
		log:   log.With("component", "delivery"),
		now:   time.Now,
		retry: retry,
	}
}

// TrackSend begins tracking a newly sent user message. payload is the
// encoded packet as transmitted, kept for a future ack-timeout retry.
func (t *Tracker) TrackSend(messageID string, kind Kind, payload []byte, expectedRecipients int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.byID[messageID] = &tracked{
		messageID:  messageID,
		kind:       kind,
		payload:    payload,
		state:      StateSending,
		sentAt:     now,
		deadline:   now.Add(kind.timeout()),
		expected:   expectedRecipients,
		ackedBy:    make(map[string]struct{}),
		seenAckIDs: make(map[string]struct{}),
	}
}

// MarkSent transitions a tracked message from Sending to Sent, once the
// transport has handed it to at least one recipient.
func (t *Tracker) MarkSent(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.byID[messageID]; ok && m.state == StateSending {
		m.state = StateSent
	}
}

// OnAck applies an inbound DeliveryAck, deduplicated by ackID, and
// re-evaluates the message's delivery state.
func (t *Tracker) OnAck(ack Ack) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[ack.OriginalMessageID]
	if !ok {
		return StateFailed
	}
	if _, dup := m.seenAckIDs[ack.AckID]; dup {
		return m.state
	}
	m.seenAckIDs[ack.AckID] = struct{}{}
	m.ackedBy[ack.RecipientID] = struct{}{}

	switch m.kind {
	case KindChannel:
		if len(m.ackedBy) >= m.expectedThreshold() {
			m.state = StateDelivered
		} else {
			m.state = StatePartiallyDelivered
		}
	default:
		m.state = StateDelivered
	}
	return m.state
}

// OnReadReceipt marks a message Read, triggered by the app layer when the
// recipient opens the relevant chat view.
func (t *Tracker) OnReadReceipt(messageID, ackID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[messageID]
	if !ok {
		return StateFailed
	}
	if _, dup := m.seenAckIDs[ackID]; dup {
		return m.state
	}
	m.seenAckIDs[ackID] = struct{}{}
	m.state = StateRead
	return m.state
}

// State returns the current tracked state of messageID.
func (t *Tracker) State(messageID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[messageID]
	if !ok {
		return StateFailed, false
	}
	return m.state, true
}

// Snapshot is a read-only view of one in-flight message's tracked state,
// for diagnostics.
type Snapshot struct {
	MessageID string
	Kind      Kind
	State     State
	SentAt    time.Time
	Deadline  time.Time
	Expected  int
	AckedBy   int
	Attempts  int
}

// Snapshot returns a copy of every in-flight message's tracked state.
func (t *Tracker) Snapshot() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, Snapshot{
			MessageID: m.messageID,
			Kind:      m.kind,
			State:     m.state,
			SentAt:    m.sentAt,
			Deadline:  m.deadline,
			Expected:  m.expected,
			AckedBy:   len(m.ackedBy),
			Attempts:  m.attempts,
		})
	}
	return out
}

// CheckTimeouts scans for messages past their deadline, applying the
// favorite-only retry policy, and marks exhausted messages Failed.
func (t *Tracker) CheckTimeouts() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, m := range t.byID {
		if m.state == StateDelivered || m.state == StateRead || m.state == StateFailed {
			continue
		}
		if now.Before(m.deadline) {
			continue
		}

		if m.kind == KindFavoritePrivate && m.attempts < maxRetryAttempts {
			delay := retryDelay(m.attempts)
			m.attempts++
			m.deadline = now.Add(delay)
			if t.retry != nil {
				if err := t.retry(id, m.payload, m.attempts); err != nil {
					t.log.Debug("retry failed", "message_id", id, "attempt", m.attempts, "error", err)
				}
			}
			continue
		}

		m.state = StateFailed
		t.log.Debug("message delivery failed", "message_id", id, "kind", m.kind)
	}
}
