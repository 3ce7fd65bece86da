package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/dedup"
	"github.com/unicornultrafoundation/bitchat/internal/delivery"
	"github.com/unicornultrafoundation/bitchat/internal/fragment"
	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/session"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

type fakeTransport struct {
	mu        sync.Mutex
	sentTo    []identity.PeerID
	broadcast [][]byte
	peers     []identity.PeerID
}

func (f *fakeTransport) SendTo(peer identity.PeerID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTo = append(f.sentTo, peer)
	return nil
}

func (f *fakeTransport) Broadcast(data []byte, exclude identity.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, data)
	return len(f.peers)
}

func (f *fakeTransport) ActivePeerCount() int { return len(f.peers) }

func (f *fakeTransport) ConnectedPeers() []identity.PeerID { return f.peers }

type fakeRetryEnqueuer struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeRetryEnqueuer) Enqueue(messageID string, payload []byte, timestamp uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, messageID)
	return nil
}

type fakeFavorites struct{ favorite map[identity.Fingerprint]bool }

func (f *fakeFavorites) IsFavorite(fp identity.Fingerprint) bool { return f.favorite[fp] }

type fakeDelegate struct {
	mu        sync.Mutex
	received  [][]byte
	acks      []delivery.Ack
	receipts  int
}

func (d *fakeDelegate) OnMessageReceived(sender identity.PeerID, t wire.Type, plaintext []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, append([]byte(nil), plaintext...))
}

func (d *fakeDelegate) OnDeliveryAck(ack delivery.Ack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks = append(d.acks, ack)
}

func (d *fakeDelegate) OnReadReceipt(messageID, ackID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts++
}

func newTestRouter(t *testing.T) (*Router, *fakeTransport, *fakeDelegate) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	sessions := session.NewManager(id, nil)
	rotator, err := identity.NewRotator(sessions)
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}
	dedupFilter := dedup.New(sessions)
	reasm := fragment.NewReassembler(nil)
	tracker := delivery.NewTracker(func(string, []byte, int) error { return nil }, nil)
	retryQ := &fakeRetryEnqueuer{}
	storeFwd := NewStoreForward()
	transport := &fakeTransport{peers: []identity.PeerID{{9, 9}}}
	favorites := &fakeFavorites{favorite: make(map[identity.Fingerprint]bool)}
	delegate := &fakeDelegate{}

	r := NewRouter(id, rotator, dedupFilter, reasm, sessions, tracker, retryQ, storeFwd, transport, favorites, delegate, nil)
	r.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	r.sleep = func(time.Duration) {}
	return r, transport, delegate
}

func broadcastPacket(t *testing.T, senderID identity.PeerID, ttl uint8, ts uint64, payload []byte) []byte {
	t.Helper()
	p := &wire.Packet{
		Version:   wire.CurrentVersion,
		Type:      wire.TypeMessage,
		TTL:       ttl,
		Timestamp: ts,
		SenderID:  [8]byte(senderID),
		Payload:   payload,
	}
	enc, err := wire.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return enc
}

func TestHandleInbound_BroadcastRelayed(t *testing.T) {
	r, transport, delegate := newTestRouter(t)
	sender := identity.PeerID{1, 2, 3}
	ts := uint64(r.now().UnixMilli())

	raw := broadcastPacket(t, sender, 6, ts, []byte("hello mesh"))
	if err := r.HandleInbound(raw, identity.PeerID{7}); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if len(delegate.received) != 1 || string(delegate.received[0]) != "hello mesh" {
		t.Fatalf("expected delegate to receive plaintext, got %v", delegate.received)
	}
	if len(transport.broadcast) != 1 {
		t.Fatalf("expected broadcast relay, got %d sends", len(transport.broadcast))
	}
}

func TestHandleInbound_ZeroTTLDropped(t *testing.T) {
	r, transport, delegate := newTestRouter(t)
	sender := identity.PeerID{1}
	ts := uint64(r.now().UnixMilli())

	raw := broadcastPacket(t, sender, 0, ts, []byte("x"))
	if err := r.HandleInbound(raw, identity.PeerID{}); err != ErrZeroTTL {
		t.Fatalf("expected ErrZeroTTL, got %v", err)
	}
	if len(delegate.received) != 0 || len(transport.broadcast) != 0 {
		t.Fatalf("zero-ttl packet must not be delivered or relayed")
	}
}

func TestHandleInbound_DuplicateDropped(t *testing.T) {
	r, transport, delegate := newTestRouter(t)
	sender := identity.PeerID{5}
	ts := uint64(r.now().UnixMilli())
	raw := broadcastPacket(t, sender, 6, ts, []byte("dup"))

	if err := r.HandleInbound(raw, identity.PeerID{}); err != nil {
		t.Fatalf("first HandleInbound: %v", err)
	}
	if err := r.HandleInbound(raw, identity.PeerID{}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on replay, got %v", err)
	}
	if len(delegate.received) != 1 || len(transport.broadcast) != 1 {
		t.Fatalf("duplicate must not re-deliver or re-relay")
	}
}

func TestHandleInbound_ReplayWindowRejected(t *testing.T) {
	r, _, delegate := newTestRouter(t)
	sender := identity.PeerID{6}
	staleTS := uint64(r.now().Add(-10 * time.Minute).UnixMilli())
	raw := broadcastPacket(t, sender, 6, staleTS, []byte("stale"))

	if err := r.HandleInbound(raw, identity.PeerID{}); err != ErrReplayWindow {
		t.Fatalf("expected ErrReplayWindow, got %v", err)
	}
	if len(delegate.received) != 0 {
		t.Fatalf("stale packet must not be delivered")
	}
}

func TestSendOriginated_SmallBroadcast(t *testing.T) {
	r, transport, _ := newTestRouter(t)
	p := &wire.Packet{
		Version:   wire.CurrentVersion,
		Type:      wire.TypeMessage,
		Timestamp: uint64(r.now().UnixMilli()),
		SenderID:  [8]byte(r.rotator.Current()),
		Payload:   []byte("short message"),
	}
	sent, err := r.SendOriginated(p)
	if err != nil {
		t.Fatalf("SendOriginated: %v", err)
	}
	if sent != len(transport.peers) {
		t.Fatalf("expected broadcast to %d peers, got %d", len(transport.peers), sent)
	}
	if p.TTL != AdaptiveTTL(transport.ActivePeerCount()) {
		t.Fatalf("expected adaptive TTL %d, got %d", AdaptiveTTL(transport.ActivePeerCount()), p.TTL)
	}
}

func TestSendOriginated_FragmentsOversizePayload(t *testing.T) {
	r, transport, _ := newTestRouter(t)
	big := make([]byte, 2000)
	p := &wire.Packet{
		Version:   wire.CurrentVersion,
		Type:      wire.TypeMessage,
		Timestamp: uint64(r.now().UnixMilli()),
		SenderID:  [8]byte(r.rotator.Current()),
		Payload:   big,
	}
	sent, err := r.SendOriginated(p)
	if err != nil {
		t.Fatalf("SendOriginated: %v", err)
	}
	if sent == 0 {
		t.Fatalf("expected fragments to be broadcast")
	}
	if len(transport.broadcast) < 2 {
		t.Fatalf("expected multiple fragment broadcasts, got %d", len(transport.broadcast))
	}
}
