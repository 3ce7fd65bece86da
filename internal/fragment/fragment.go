// Package fragment splits oversize encoded packets into BLE-sized chunks
// and reassembles them on the receiving side, with bounded memory against a
// malicious or buggy sender.
package fragment

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxEncodedSize is the largest encoded packet carried without
	// fragmentation.
	maxEncodedSize = 512
	// chunkSize is the payload slice size per fragment.
	chunkSize = 500

	// maxSessions bounds concurrent inbound reassembly sessions.
	maxSessions = 20
	// maxTotalBytes bounds the summed buffered bytes across all sessions.
	maxTotalBytes = 10 * 1024 * 1024
	// sessionTTL is how long an incomplete session is kept before eviction.
	sessionTTL = 30 * time.Second
)

// Phase identifies which of the three fragment packet types a Part carries.
type Phase uint8

const (
	PhaseStart    Phase = iota // FragmentStart
	PhaseContinue              // FragmentContinue
	PhaseEnd                   // FragmentEnd
)

// Part is one wire-level fragment: fragmentID, index, total, originalType,
// and slice.
type Part struct {
	Phase        Phase
	FragmentID   [8]byte
	Index        uint16
	Total        uint16
	OriginalType uint8
	Slice        []byte
}

var (
	// ErrNotOversize is returned by Split when the payload does not need
	// fragmenting.
	ErrNotOversize = errors.New("fragment: payload is not oversize")
	// ErrSessionOverflow covers the concurrency/byte bounds being exceeded
	// with no room to evict (should not happen once eviction runs).
	ErrSessionOverflow = errors.New("fragment: session bounds exceeded")
	// ErrUnknownFragmentID is returned for a part whose Phase is none of
	// Start, Continue or End. The first part seen for a fragment id opens a
	// session whatever its phase, so parts may arrive in any order.
	ErrUnknownFragmentID = errors.New("fragment: unknown fragment id")
	// ErrDuplicateIndex is returned when an index is received twice within a
	// session.
	ErrDuplicateIndex = errors.New("fragment: duplicate fragment index")
)

// NeedsFragmenting reports whether an encoded packet of this size must be
// split: a 513-byte encoded packet is fragmented, a 512-byte one is not.
func NeedsFragmenting(encodedSize int) bool {
	return encodedSize > maxEncodedSize
}

// Split divides an encoded packet into ≤500B-chunk fragments, tagged with a
// fresh random fragmentID and the packet's original wire type.
func Split(encoded []byte, originalType uint8) ([]Part, error) {
	if !NeedsFragmenting(len(encoded)) {
		return nil, ErrNotOversize
	}

	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total > int(^uint16(0)) {
		return nil, ErrSessionOverflow
	}

	var fragmentID [8]byte
	if _, err := rand.Read(fragmentID[:]); err != nil {
		return nil, err
	}

	parts := make([]Part, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}

		phase := PhaseContinue
		switch i {
		case 0:
			phase = PhaseStart
		case total - 1:
			phase = PhaseEnd
		}

		slice := make([]byte, end-start)
		copy(slice, encoded[start:end])

		parts = append(parts, Part{
			Phase:        phase,
			FragmentID:   fragmentID,
			Index:        uint16(i),
			Total:        uint16(total),
			OriginalType: originalType,
			Slice:        slice,
		})
	}
	return parts, nil
}

type session struct {
	fragmentID   [8]byte
	originalType uint8
	total        uint16
	received     map[uint16][]byte
	bytes        int
	createdAt    time.Time
}

func (s *session) complete() bool {
	return len(s.received) == int(s.total)
}

func (s *session) assemble() []byte {
	out := make([]byte, 0, s.bytes)
	for i := uint16(0); i < s.total; i++ {
		out = append(out, s.received[i]...)
	}
	return out
}

// Reassembler tracks in-flight inbound fragment sessions. It is confined to
// a single goroutine by its owner (the mesh queue); a mutex is
// kept only as a defensive second line for direct test use.
type Reassembler struct {
	mu         sync.Mutex
	sessions   map[[8]byte]*session
	order      [][8]byte // insertion order, oldest first, for eviction
	totalBytes int
	log        *slog.Logger
	now        func() time.Time
}

// NewReassembler builds an empty Reassembler.
func NewReassembler(log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{
		sessions: make(map[[8]byte]*session),
		log:      log.With("component", "fragment"),
		now:      time.Now,
	}
}

// Add feeds one inbound fragment part into the reassembler. It returns the
// reassembled bytes and originalType once the session completes; otherwise
// it returns (nil, 0, false, nil).
func (r *Reassembler) Add(p Part) (data []byte, originalType uint8, done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpired()

	s, ok := r.sessions[p.FragmentID]
	if !ok {
		if p.Phase != PhaseStart && p.Phase != PhaseContinue && p.Phase != PhaseEnd {
			return nil, 0, false, ErrUnknownFragmentID
		}
		if err := r.makeRoom(); err != nil {
			return nil, 0, false, err
		}
		s = &session{
			fragmentID:   p.FragmentID,
			originalType: p.OriginalType,
			total:        p.Total,
			received:     make(map[uint16][]byte, p.Total),
			createdAt:    r.now(),
		}
		r.sessions[p.FragmentID] = s
		r.order = append(r.order, p.FragmentID)
	}

	if _, dup := s.received[p.Index]; dup {
		return nil, 0, false, ErrDuplicateIndex
	}

	s.received[p.Index] = p.Slice
	s.bytes += len(p.Slice)
	r.totalBytes += len(p.Slice)

	if !s.complete() {
		return nil, 0, false, nil
	}

	assembled := s.assemble()
	r.removeSession(p.FragmentID)
	return assembled, s.originalType, true, nil
}

func (r *Reassembler) makeRoom() error {
	for len(r.sessions) >= maxSessions || r.totalBytes >= maxTotalBytes {
		if len(r.order) == 0 {
			return ErrSessionOverflow
		}
		oldest := r.order[0]
		r.order = r.order[1:]
		if _, ok := r.sessions[oldest]; ok {
			r.log.Debug("evicting fragment session to make room", "fragment_id", oldest)
			r.removeSession(oldest)
		}
	}
	return nil
}

func (r *Reassembler) removeSession(id [8]byte) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	r.totalBytes -= s.bytes
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Reassembler) evictExpired() {
	cutoff := r.now().Add(-sessionTTL)
	for len(r.order) > 0 {
		id := r.order[0]
		s, ok := r.sessions[id]
		if !ok {
			r.order = r.order[1:]
			continue
		}
		if s.createdAt.After(cutoff) {
			break
		}
		r.log.Debug("fragment session expired", "fragment_id", id)
		r.removeSession(id)
	}
}

// SessionCount returns the number of in-flight sessions, for diagnostics.
func (r *Reassembler) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
