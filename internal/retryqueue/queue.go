// Package retryqueue implements the Retry Queue: bounded
// off-link persistence of user-originated packets whose emission reached
// zero recipients, retried on a timer while at least one peer is connected.
package retryqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxEntries bounds the queue size.
	MaxEntries = 50
	// RetryInterval is how often queued entries are retried.
	RetryInterval = 2 * time.Second
	// MaxRetries is how many times an entry is retried before being
	// dropped.
	MaxRetries = 3
)

// ErrQueueFull is returned by Enqueue once MaxEntries is reached.
var ErrQueueFull = errors.New("retryqueue: queue full")

// SendFunc re-invokes the original send path for messageID, retransmitting
// the same encoded payload verbatim. It returns the number of recipients the
// packet actually reached.
type SendFunc func(messageID string, payload []byte) (recipients int, err error)

// PeerCountFunc reports how many peers are currently connected; retries are
// only attempted when this is greater than zero.
type PeerCountFunc func() int

type entry struct {
	messageID string
	payload   []byte
	timestamp uint64
	attempts  int
	queuedAt  time.Time
}

// Queue holds packets pending retry, confined to the mesh queue;
// an internal mutex is kept as a defensive second line for direct test use.
type Queue struct {
	mu        sync.Mutex
	entries   []*entry
	send      SendFunc
	peerCount PeerCountFunc
	log       *slog.Logger
}

// New creates an empty Queue.
func New(send SendFunc, peerCount PeerCountFunc, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		send:      send,
		peerCount: peerCount,
		log:       log.With("component", "retryqueue"),
	}
}

// Enqueue adds a packet that reached zero recipients. It returns
// ErrQueueFull once MaxEntries is reached.
func (q *Queue) Enqueue(messageID string, payload []byte, timestamp uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= MaxEntries {
		return ErrQueueFull
	}
	q.entries = append(q.entries, &entry{
		messageID: messageID,
		payload:   payload,
		timestamp: timestamp,
		queuedAt:  time.Now(),
	})
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// retryOnce attempts delivery of every queued entry once, dropping entries
// that succeed or that have exhausted MaxRetries.
func (q *Queue) retryOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.peerCount != nil && q.peerCount() == 0 {
		return
	}

	remaining := q.entries[:0]
	for _, e := range q.entries {
		recipients, err := q.send(e.messageID, e.payload)
		if err == nil && recipients > 0 {
			continue // delivered, drop from the queue
		}
		e.attempts++
		if e.attempts >= MaxRetries {
			q.log.Debug("retry queue entry exhausted", "message_id", e.messageID, "attempts", e.attempts)
			continue
		}
		remaining = append(remaining, e)
	}
	q.entries = remaining
}

// Run periodically retries queued entries until ctx is canceled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.retryOnce()
		}
	}
}
