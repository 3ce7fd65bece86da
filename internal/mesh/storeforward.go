package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
)

const (
	favoriteQueueCap = 1000
	generalQueueCap  = 100
	generalTTL       = 12 * time.Hour
)

// CachedMessage is a stored-for-offline message: broadcast
// packets are never stored, only addressed private packets whose recipient
// is currently unreachable.
type CachedMessage struct {
	MessageID     string
	Recipient     identity.Fingerprint
	Packet        []byte
	StoredAt      time.Time
	OriginalTS    uint64
	IsForFavorite bool
}

// Persister optionally backs the favorite queue with durable storage
// (internal/store), so a favorite's cached messages survive a daemon
// restart. A nil Persister leaves StoreForward purely in-memory.
type Persister interface {
	Put(recipientHex string, m CachedMessage) error
	Flush(recipientHex string) ([]CachedMessage, error)
}

// StoreForward holds cached private packets awaiting a recipient coming
// back online. Favorite queues are bounded
// per recipient fingerprint and retained indefinitely (subject to the cap);
// non-favorite queues are global-bounded with a 12h TTL.
type StoreForward struct {
	mu        sync.Mutex
	favorites map[identity.Fingerprint][]CachedMessage
	general   []CachedMessage
	delivered map[string]struct{}
	now       func() time.Time
	persist   Persister
}

// NewStoreForward creates an empty store-and-forward cache.
func NewStoreForward() *StoreForward {
	return &StoreForward{
		favorites: make(map[identity.Fingerprint][]CachedMessage),
		delivered: make(map[string]struct{}),
		now:       time.Now,
	}
}

// WithPersister attaches durable storage for the favorite queue. Existing
// in-memory entries are unaffected; only subsequent Cache/Flush calls are
// mirrored to p.
func (s *StoreForward) WithPersister(p Persister) *StoreForward {
	s.persist = p
	return s
}

// Cache stores a private packet for recipient, subject to the per-recipient bound.
// Broadcast packets must never be passed here (enforced by the caller, the
// router, which only calls Cache for addressed private packets).
func (s *StoreForward) Cache(recipient identity.Fingerprint, isFavorite bool, msg CachedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.StoredAt = s.now()
	msg.IsForFavorite = isFavorite
	msg.Recipient = recipient

	if isFavorite {
		q := s.favorites[recipient]
		if len(q) >= favoriteQueueCap {
			q = q[1:]
		}
		s.favorites[recipient] = append(q, msg)
		if s.persist != nil {
			if err := s.persist.Put(recipient.String(), msg); err != nil {
				// Durable copy is best-effort; the in-memory queue above is
				// already the source of truth for this process's lifetime.
				_ = err
			}
		}
		return
	}

	s.expireGeneral()
	if len(s.general) >= generalQueueCap {
		s.general = s.general[1:]
	}
	s.general = append(s.general, msg)
}

func (s *StoreForward) expireGeneral() {
	cutoff := s.now().Add(-generalTTL)
	i := 0
	for ; i < len(s.general); i++ {
		if s.general[i].StoredAt.After(cutoff) {
			break
		}
	}
	s.general = s.general[i:]
}

// Flush returns every cached message for recipient, in timestamp order,
// marking each messageID delivered so a repeat Flush (e.g. a duplicate
// subscribe event) does not double-send.
func (s *StoreForward) Flush(recipient identity.Fingerprint) []CachedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireGeneral()

	var out []CachedMessage
	fq := s.favorites[recipient]
	for _, m := range fq {
		if _, done := s.delivered[m.MessageID]; done {
			continue
		}
		out = append(out, m)
	}
	delete(s.favorites, recipient)

	remainingGeneral := s.general[:0]
	for _, m := range s.general {
		if m.Recipient != recipient {
			remainingGeneral = append(remainingGeneral, m)
			continue
		}
		if _, done := s.delivered[m.MessageID]; !done {
			out = append(out, m)
		}
	}
	s.general = remainingGeneral

	if s.persist != nil {
		if persisted, err := s.persist.Flush(recipient.String()); err == nil {
			queued := make(map[string]struct{}, len(out))
			for _, m := range out {
				queued[m.MessageID] = struct{}{}
			}
			for _, m := range persisted {
				_, done := s.delivered[m.MessageID]
				_, dup := queued[m.MessageID]
				if !done && !dup {
					out = append(out, m)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OriginalTS < out[j].OriginalTS })

	for _, m := range out {
		s.delivered[m.MessageID] = struct{}{}
	}

	return out
}
