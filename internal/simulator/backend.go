package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
)

const (
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Sink is the inbound packet receiver, satisfied by mesh.Router.
type Sink interface {
	HandleInbound(raw []byte, fromPeer identity.PeerID) error
}

// BleBackend is a virtual radio: a websocket client of a simulator Hub that
// implements mesh.Transport the same way ble.Transport does, so the daemon
// can run unmodified against a simulated medium instead of real hardware.
type BleBackend struct {
	url   string
	local identity.PeerID
	sink  Sink
	log   *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	peers   map[identity.PeerID]struct{}
	closing bool
}

// NewBleBackend creates a backend that will dial hubURL once Run is called.
func NewBleBackend(hubURL string, local identity.PeerID, sink Sink, log *slog.Logger) *BleBackend {
	if log == nil {
		log = slog.Default()
	}
	return &BleBackend{
		url:   hubURL,
		local: local,
		sink:  sink,
		log:   log.With("component", "simulator-backend"),
		peers: make(map[identity.PeerID]struct{}),
	}
}

// Start launches the hub connection loop in the background and returns
// immediately, matching ble.Transport.Start's non-blocking contract so the
// daemon can use either transport interchangeably.
func (b *BleBackend) Start(ctx context.Context) error {
	go b.Run(ctx)
	return nil
}

// Run dials the hub and reconnects with exponential backoff until ctx is
// cancelled, mirroring ControllerClient.Run's reconnect loop.
func (b *BleBackend) Run(ctx context.Context) {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			b.closeConn()
			return
		default:
		}

		if err := b.connect(ctx); err != nil {
			b.log.Error("simulator hub connect failed", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = reconnectDelay

		b.readLoop(ctx)
		b.closeConn()
	}
}

func (b *BleBackend) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Peer-ID", b.local.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.url, header)
	if err != nil {
		return fmt.Errorf("dial simulator hub: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.log.Info("connected to simulator hub", "url", b.url)
	return nil
}

func (b *BleBackend) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			b.log.Warn("simulator hub connection lost", "err", err)
			return
		}

		switch f.Type {
		case frameData:
			peerID, err := identity.PeerIDFromHex(f.PeerID)
			if err != nil {
				continue
			}
			if err := b.sink.HandleInbound(f.Payload, peerID); err != nil {
				b.log.Debug("inbound packet rejected", "err", err)
			}
		case framePeerJoined:
			if peerID, err := identity.PeerIDFromHex(f.PeerID); err == nil {
				b.mu.Lock()
				b.peers[peerID] = struct{}{}
				b.mu.Unlock()
			}
		case framePeerLeft:
			if peerID, err := identity.PeerIDFromHex(f.PeerID); err == nil {
				b.mu.Lock()
				delete(b.peers, peerID)
				b.mu.Unlock()
			}
		case framePeerList:
			b.mu.Lock()
			b.peers = make(map[identity.PeerID]struct{})
			for _, hexID := range decodePeerList(f.Payload) {
				if peerID, err := identity.PeerIDFromHex(hexID); err == nil && peerID != b.local {
					b.peers[peerID] = struct{}{}
				}
			}
			b.mu.Unlock()
		}
	}
}

func (b *BleBackend) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *BleBackend) send(data []byte) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("simulator backend: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame{Type: frameData, Payload: data})
}

// SendTo implements mesh.Transport. The virtual medium has no per-peer
// unicast primitive (same limitation as ble.Transport's shared notify
// characteristic), so this is a broadcast that every other radio receives
// and hands to its sink; peer is ignored.
func (b *BleBackend) SendTo(peer identity.PeerID, data []byte) error {
	return b.send(data)
}

// Broadcast implements mesh.Transport.
func (b *BleBackend) Broadcast(data []byte, exclude identity.PeerID) int {
	if err := b.send(data); err != nil {
		return 0
	}
	return b.ActivePeerCount()
}

// ActivePeerCount implements mesh.Transport.
func (b *BleBackend) ActivePeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// ConnectedPeers implements mesh.Transport.
func (b *BleBackend) ConnectedPeers() []identity.PeerID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]identity.PeerID, 0, len(b.peers))
	for p := range b.peers {
		out = append(out, p)
	}
	return out
}

// RandomConnectedPeer implements mesh.ConnectedPeerPicker for cover traffic.
func (b *BleBackend) RandomConnectedPeer() (identity.PeerID, bool) {
	peers := b.ConnectedPeers()
	if len(peers) == 0 {
		return identity.PeerID{}, false
	}
	return peers[rand.IntN(len(peers))], true
}
